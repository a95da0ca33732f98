//go:build !linux

package pwm

import "github.com/pkg/errors"

func elevatePriority(priority int) error {
	return errors.New("real-time scheduling is only supported on linux")
}
