package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/petiaccja/raspberry-rc/pkg/message"
	"github.com/petiaccja/raspberry-rc/pkg/rcclient"
)

const help = `Commands:
    a <pin>                 # Add servo on pin
    r <pin>                 # Remove servo
    s <pin> <steering>      # Set steering 0.0-1.0; 0.5=centre
    sm <pin> <seconds>      # Set smoothing; 0 turns it off
    min <pin> <us>          # Set minimum pulse width
    max <pin> <us>          # Set maximum pulse width
    d <pin> <steering>      # Set steering used when the link drops
    t <ms>                  # Set server receive timeout
    reset                   # Remove every servo
    q                       # Quit`

var commands = map[string]message.Instruction{
	"a":     message.AddServo,
	"r":     message.RemoveServo,
	"s":     message.SetSteering,
	"sm":    message.SetSmoothing,
	"min":   message.SetMinWidth,
	"max":   message.SetMaxWidth,
	"d":     message.SetDefaultSteering,
	"t":     message.SetTimeout,
	"reset": message.Reset,
	"q":     message.Quit,
}

// parseCommand turns one line of input into the message to send.
func parseCommand(line string) (message.Message, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return message.Message{}, errors.New("empty command")
	}
	instr, ok := commands[parts[0]]
	if !ok {
		return message.Message{}, errors.Errorf("unknown command %q", parts[0])
	}

	want := 0
	switch instr {
	case message.AddServo, message.RemoveServo, message.SetTimeout:
		want = 1
	case message.SetSteering, message.SetSmoothing, message.SetMinWidth, message.SetMaxWidth,
		message.SetDefaultSteering:
		want = 2
	}
	if len(parts)-1 != want {
		return message.Message{}, errors.Errorf("%s takes %d parameters", parts[0], want)
	}
	if want == 0 {
		return message.New(instr, 0, 0), nil
	}

	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return message.Message{}, errors.Errorf("expected int, not %q", parts[1])
	}
	if want == 1 {
		return message.New(instr, message.Uint(uint32(n)), 0), nil
	}
	v, err := strconv.ParseFloat(parts[2], 32)
	if err != nil {
		return message.Message{}, errors.Errorf("expected float, not %q", parts[2])
	}
	return message.New(instr, message.Uint(uint32(n)), message.Float(float32(v))), nil
}

func main() {
	addr := flag.String("addr", "raspberrypi:5000", "server address")
	password := flag.String("password", "", "server password")
	keepAlive := flag.Duration("keepalive", 200*time.Millisecond, "keep-alive interval, 0 to disable")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c, err := rcclient.Dial(ctx, *addr, *password)
	cancel()
	if err != nil {
		fmt.Println("Failed to connect:", err)
		os.Exit(1)
	}
	defer c.Close()
	fmt.Println("Connected to", *addr)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	if *keepAlive > 0 {
		go func() {
			if err := c.KeepAliveLoop(ctx, *keepAlive); err != nil {
				fmt.Println("\nKeep-alive stopped:", err)
			}
		}()
	}

	fmt.Println(help)
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nFailed to read stdin: ", err)
			_ = c.Quit()
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseCommand(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if err := c.Send(m); err != nil {
			fmt.Println("Failed to send:", err)
			return
		}
		if m.Instruction == message.Quit {
			return
		}
	}
}
