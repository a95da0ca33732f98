package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
	"github.com/petiaccja/raspberry-rc/pkg/gpio"
	"github.com/petiaccja/raspberry-rc/pkg/governor"
	"github.com/petiaccja/raspberry-rc/pkg/pwm"
	"github.com/petiaccja/raspberry-rc/pkg/servo"
)

// Sweeps servos on the given pins back and forth and prints how well the
// PWM loop kept time.
func main() {
	backend := flag.String("backend", "rpio", "pin backend: rpio, periph or dummy")
	pinList := flag.String("pins", "18", "comma separated GPIO numbers")
	freq := flag.Int("freq", 50, "frame rate in Hz")
	period := flag.Duration("sweep", 2*time.Second, "time for one full sweep")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	realtime := flag.Bool("realtime", true, "ask for SCHED_FIFO")
	flag.Parse()

	var pins []uint32
	for _, s := range strings.Split(*pinList, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			fmt.Println("Expected int, not ", s)
			os.Exit(1)
		}
		pins = append(pins, uint32(n))
	}

	driver, err := gpio.Open(*backend)
	if err != nil {
		fmt.Println("Failed to open GPIO:", err)
		os.Exit(1)
	}
	defer driver.Close()

	cfg := pwm.DefaultConfig()
	cfg.Frequency = physic.Frequency(*freq) * physic.Hertz
	cfg.RealTime = *realtime
	cfg.ProfileSamples = 4096
	reg := pwm.NewRegistry(driver, clock.NewSystem(), cfg)
	engine := reg.NewEngine()
	defer engine.Reset()

	var govs []*governor.Governor
	for _, pin := range pins {
		out, err := engine.AddServo(pin, servo.DefaultSteering, servo.DefaultMinWidth, servo.DefaultMaxWidth)
		if err != nil {
			fmt.Printf("Failed to add servo on pin %d: %v\n", pin, err)
			return
		}
		govs = append(govs, governor.New(out, servo.DefaultSteering, 0, governor.DefaultNeutral))
	}
	fmt.Printf("Driving pins %v at %dHz\n", pins, *freq)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		cancel()
	}()

	start := time.Now()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Final:", reg.Profiler().Stats())
			return
		case <-report.C:
			s := reg.Profiler().Stats()
			fmt.Printf("samples=%d max=%dus mean=%.2fus missed=%d\n", s.Count, s.MaxError, s.MeanError, s.Missed)
		case now := <-ticker.C:
			phase := now.Sub(start).Seconds() / period.Seconds()
			steering := float32(0.5 - 0.5*math.Cos(2*math.Pi*phase))
			for _, g := range govs {
				g.SetSteering(steering)
			}
		}
	}
}
