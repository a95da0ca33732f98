package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
	"github.com/petiaccja/raspberry-rc/pkg/config"
	"github.com/petiaccja/raspberry-rc/pkg/gpio"
	"github.com/petiaccja/raspberry-rc/pkg/pca9685"
	"github.com/petiaccja/raspberry-rc/pkg/protocol"
	"github.com/petiaccja/raspberry-rc/pkg/pwm"
	"github.com/petiaccja/raspberry-rc/pkg/router"
	"github.com/petiaccja/raspberry-rc/pkg/session"
)

const profileInterval = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "rcserver:", err)
		return exitCode(err)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rcserver:", err)
		return exitFailure
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "rcserver: bad config:", err)
		return exitFailure
	}

	logFile := setupLogging(cfg.Log)
	if logFile != nil {
		defer logFile.Close()
	}
	log.Println("---- rcserver ----")
	log.Println("GOMAXPROCS", runtime.GOMAXPROCS(0))
	log.Printf("Config in use:\n%s", cfg.YAML())

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSignalHandlers(cancel)

	engine, shutdown, err := openEngine(ctx, cfg)
	if err != nil {
		log.Println("Failed to initialise hardware:", err)
		return exitFailure
	}
	defer shutdown()

	proto, err := protocol.Listen(opts.port, opts.ipv6)
	if err != nil {
		log.Println("Failed to start server:", err)
		return exitFailure
	}
	defer proto.Shutdown()
	proto.AuthTimeout = cfg.AuthTimeout()

	r := router.New(engine, cfg.RouterOptions())
	defer r.Close()

	if opts.password == "" {
		log.Println("WARNING: no password set, any client can connect")
	}
	if err := session.New(proto, r, cfg.SessionOptions(opts.password)).Run(ctx); err != nil {
		log.Println("Server stopped:", err)
		return exitFailure
	}
	log.Println("Shutting down")
	return exitOK
}

// setupLogging copies the log to a rotated file when one is configured.
func setupLogging(cfg config.LogConfig) io.Closer {
	log.SetOutput(os.Stdout)
	if cfg.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj
}

// openEngine brings up the configured backend.  The returned function
// releases the hardware and must run after the router is closed.
func openEngine(ctx context.Context, cfg *config.Config) (router.Engine, func(), error) {
	if cfg.Backend == "pca9685" {
		chip, err := pca9685.Open(cfg.I2CDevice, pca9685.DefaultAddr)
		if err != nil {
			return nil, nil, err
		}
		e, err := pca9685.NewEngine(chip, cfg.Frequency())
		if err != nil {
			_ = chip.Close()
			return nil, nil, err
		}
		loopCtx, stop := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go e.Loop(loopCtx, &wg)
		return e, func() {
			stop()
			wg.Wait()
			_ = chip.Close()
		}, nil
	}

	driver, err := gpio.Open(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	reg := pwm.NewRegistry(driver, clock.NewSystem(), cfg.PWMOptions())
	log.Printf("PWM: %v backend, %dus period", cfg.Backend, reg.Period())

	loopCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if prof := reg.Profiler(); prof != nil {
		wg.Add(1)
		go logProfile(loopCtx, &wg, prof)
	}
	e := reg.NewEngine()
	return e, func() {
		e.Reset()
		stop()
		wg.Wait()
		if prof := reg.Profiler(); prof != nil {
			log.Println("PWM: final timing", prof.Stats())
		}
		if err := driver.Close(); err != nil {
			log.Println("GPIO: close failed:", err)
		}
	}, nil
}

func logProfile(ctx context.Context, wg *sync.WaitGroup, prof *pwm.Profiler) {
	defer wg.Done()
	ticker := time.NewTicker(profileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Println("PWM: timing", prof.Stats())
		}
	}
}

func registerSignalHandlers(cancelFunc context.CancelFunc) {
	// Hook Ctrl-C to cause shut down.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		log.Println("Signal: ", s)
		cancelFunc()
		time.Sleep(2 * time.Second)
		log.Println("Shutdown took too long, exiting")
		os.Exit(exitFailure)
	}()
}
