// Package rcclient talks to an rcserver: it runs the password handshake and
// sends servo commands.
package rcclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/petiaccja/raspberry-rc/pkg/message"
)

var (
	ErrRejected      = errors.New("server rejected the connection")
	ErrWrongPassword = errors.New("wrong password")
)

// MaxPasswordLength matches what the handshake can carry.
const MaxPasswordLength = 255

type Client struct {
	conn net.Conn

	// Serialises writes so KeepAliveLoop can run alongside other commands.
	lock sync.Mutex
}

// Dial connects to addr and authenticates.  ctx bounds the connect and the
// handshake.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	if len(password) > MaxPasswordLength {
		return nil, errors.Errorf("password longer than %d bytes", MaxPasswordLength)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := handshake(conn, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &Client{conn: conn}, nil
}

func handshake(conn net.Conn, password string) error {
	req := message.New(message.Authenticate, message.Uint(uint32(len(password))), 0)
	if err := message.Write(conn, req); err != nil {
		return errors.Wrap(err, "failed to send auth request")
	}
	reply, err := message.Read(conn)
	if err != nil {
		return errors.Wrap(err, "failed to read auth reply")
	}
	if reply.Instruction != message.Success {
		return errors.Wrapf(ErrRejected, "server replied %v", reply.Instruction)
	}
	if _, err := conn.Write([]byte(password)); err != nil {
		return errors.Wrap(err, "failed to send password")
	}
	reply, err = message.Read(conn)
	if err != nil {
		return errors.Wrap(err, "failed to read auth result")
	}
	switch reply.Instruction {
	case message.Success:
		return nil
	case message.ErrorPassword:
		return ErrWrongPassword
	default:
		return errors.Wrapf(ErrRejected, "server replied %v", reply.Instruction)
	}
}

func (c *Client) Send(m message.Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return message.Write(c.conn, m)
}

// Read waits for a frame from the server.  The server only sends one after
// the handshake if it is configured to report errors.
func (c *Client) Read() (message.Message, error) {
	return message.Read(c.conn)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(instr message.Instruction, pin uint32, value float32) error {
	return c.Send(message.New(instr, message.Uint(pin), message.Float(value)))
}

func (c *Client) AddServo(pin uint32) error {
	return c.send(message.AddServo, pin, 0)
}

func (c *Client) RemoveServo(pin uint32) error {
	return c.send(message.RemoveServo, pin, 0)
}

func (c *Client) SetSteering(pin uint32, steering float32) error {
	return c.send(message.SetSteering, pin, steering)
}

// SetSmoothing sets how many seconds a full-range change takes; zero or less
// turns smoothing off.
func (c *Client) SetSmoothing(pin uint32, seconds float32) error {
	return c.send(message.SetSmoothing, pin, seconds)
}

func (c *Client) SetMinWidth(pin uint32, micros float32) error {
	return c.send(message.SetMinWidth, pin, micros)
}

func (c *Client) SetMaxWidth(pin uint32, micros float32) error {
	return c.send(message.SetMaxWidth, pin, micros)
}

// SetDefaultSteering sets where pin goes when the link drops.
func (c *Client) SetDefaultSteering(pin uint32, steering float32) error {
	return c.send(message.SetDefaultSteering, pin, steering)
}

func (c *Client) SetTimeout(d time.Duration) error {
	return c.Send(message.New(message.SetTimeout, message.Uint(uint32(d.Milliseconds())), 0))
}

func (c *Client) KeepAlive() error {
	return c.Send(message.New(message.KeepAlive, 0, 0))
}

// Reset removes every servo on the server.
func (c *Client) Reset() error {
	return c.Send(message.New(message.Reset, 0, 0))
}

func (c *Client) Quit() error {
	return c.Send(message.New(message.Quit, 0, 0))
}

// KeepAliveLoop sends KEEP_ALIVE every interval until ctx is done or a send
// fails.
func (c *Client) KeepAliveLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := c.KeepAlive(); err != nil {
			return errors.Wrap(err, "keep-alive")
		}
	}
}
