package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitBadCommand = 2

	minPort = 1024
	maxPort = 65535
)

type options struct {
	port       int
	password   string
	ipv6       bool
	configFile string

	// Empty unless given on the command line.
	backend string
	logFile string
}

// usageError is a command line the server can't start with.
type usageError struct {
	code int
	msg  string
}

func (e *usageError) Error() string {
	return e.msg
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return ue.code
	}
	return exitFailure
}

func newFlagSet(out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("rcserver", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, `rcserver: drive RC servos from GPIO pins over the network

Usage:
  rcserver --port <1024-65535> --password <pw> [--ipv6] [--config <file>]

Flags:
`)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs returns flag.ErrHelp if help was asked for and a *usageError for
// anything else wrong with the command line.
func parseArgs(args []string, out io.Writer) (options, error) {
	var opt options
	var help bool

	fs := newFlagSet(out)
	for _, name := range []string{"port", "p"} {
		fs.IntVar(&opt.port, name, 0, "TCP port to listen on [required]")
	}
	for _, name := range []string{"password", "pw"} {
		fs.StringVar(&opt.password, name, "", "password clients must send; empty allows anyone [required]")
	}
	for _, name := range []string{"ipv6", "6"} {
		fs.BoolVar(&opt.ipv6, name, false, "listen on IPv6 instead of IPv4")
	}
	for _, name := range []string{"config", "c"} {
		fs.StringVar(&opt.configFile, name, "", "YAML config file")
	}
	for _, name := range []string{"help", "h"} {
		fs.BoolVar(&help, name, false, "show this help")
	}
	fs.StringVar(&opt.backend, "backend", "", "pin backend: rpio, periph, pca9685 or dummy")
	fs.StringVar(&opt.logFile, "log-file", "", "also log to this file, rotated")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opt, err
		}
		return opt, &usageError{code: exitFailure, msg: err.Error()}
	}
	if help {
		fs.Usage()
		return opt, flag.ErrHelp
	}
	if fs.NArg() > 0 {
		return opt, &usageError{code: exitFailure, msg: fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["port"] && !set["p"] {
		return opt, &usageError{code: exitBadCommand, msg: "--port is required"}
	}
	if !set["password"] && !set["pw"] {
		return opt, &usageError{code: exitBadCommand, msg: "--password is required"}
	}
	if opt.port < minPort || opt.port > maxPort {
		return opt, &usageError{
			code: exitBadCommand,
			msg:  fmt.Sprintf("port %d outside %d..%d", opt.port, minPort, maxPort),
		}
	}
	return opt, nil
}
