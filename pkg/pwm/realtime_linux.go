package pwm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// elevatePriority pins the process's memory and moves the calling thread to
// SCHED_FIFO.  The caller must have locked itself to its OS thread.
func elevatePriority(priority int) error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return errors.Wrap(err, "mlockall")
	}
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return errors.Wrap(err, "sched_setattr")
	}
	return nil
}
