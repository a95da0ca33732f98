// Package session runs the accept/authenticate/serve loop that connects one
// client at a time to the command router.
package session

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/petiaccja/raspberry-rc/pkg/message"
	"github.com/petiaccja/raspberry-rc/pkg/protocol"
	"github.com/petiaccja/raspberry-rc/pkg/router"
)

const (
	DefaultReceiveTimeout = 500 * time.Millisecond
	DefaultGovernorTick   = 10 * time.Millisecond

	// Room for a burst of messages while the control loop is busy.
	fifoSize = 64
)

type Config struct {
	Password string

	// ReceiveTimeout is how long the link may stay silent before every servo
	// is put back to neutral.  Clients can change it with SET_TIMEOUT.
	ReceiveTimeout time.Duration
	GovernorTick   time.Duration

	// ReplyErrors sends ERROR_UNKNOWN back for commands the router refused.
	ReplyErrors bool
}

func DefaultConfig() Config {
	return Config{
		ReceiveTimeout: DefaultReceiveTimeout,
		GovernorTick:   DefaultGovernorTick,
	}
}

type Server struct {
	proto  *protocol.Server
	router *router.Router
	cfg    Config
}

func New(proto *protocol.Server, r *router.Router, cfg Config) *Server {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.GovernorTick <= 0 {
		cfg.GovernorTick = DefaultGovernorTick
	}
	return &Server{proto: proto, router: r, cfg: cfg}
}

// Run serves clients one after another until ctx is done.  Connection and
// handshake failures are logged and the server goes back to accepting.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.proto.Cancel)
	defer stop()

	for {
		s.proto.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err := s.proto.Accept(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Println("SESSION: accept failed:", err)
			continue
		}
		if err := s.proto.Authenticate(s.cfg.Password); err != nil {
			log.Println("SESSION: authentication failed:", err)
			continue
		}
		log.Println("SESSION: client authenticated", s.proto.RemoteAddr())
		s.serve(ctx)
	}
}

func (s *Server) serve(ctx context.Context) {
	start := time.Now()
	msgs := make(chan message.Message, fifoSize)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go s.read(msgs, done, &wg)

	s.control(ctx, msgs)

	close(done)
	s.proto.Cancel()
	wg.Wait()
	s.proto.Reset()
	s.proto.Close()
	s.router.Suspend()
	log.Printf("SESSION: ended after %v", time.Since(start).Round(time.Millisecond))
}

// read feeds msgs in wire order.  A read failure is passed on as
// ERROR_UNKNOWN, which ends the session.
func (s *Server) read(msgs chan<- message.Message, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		m, err := s.proto.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				log.Println("SESSION: read failed:", err)
			}
			m = message.New(message.ErrorUnknown, 0, 0)
		}
		select {
		case msgs <- m:
		case <-done:
			return
		}
		if m.Instruction == message.ErrorUnknown {
			return
		}
	}
}

func (s *Server) control(ctx context.Context, msgs <-chan message.Message) {
	receiveTimeout := s.cfg.ReceiveTimeout
	timeout := time.NewTimer(receiveTimeout)
	defer timeout.Stop()
	tick := time.NewTicker(s.cfg.GovernorTick)
	defer tick.Stop()
	lastTick := time.Now()
	suspended := false

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.router.Update(float32(now.Sub(lastTick).Seconds()))
			lastTick = now
		case <-timeout.C:
			if !suspended {
				log.Printf("SESSION: nothing received for %v, suspending servos", receiveTimeout)
				suspended = true
			}
			s.router.Suspend()
			timeout.Reset(receiveTimeout)
		case m := <-msgs:
			suspended = false
			switch m.Instruction {
			case message.Quit, message.ErrorUnknown:
				return
			case message.KeepAlive:
			case message.SetTimeout:
				receiveTimeout = time.Duration(m.Param1.Uint()) * time.Millisecond
				if receiveTimeout <= 0 {
					receiveTimeout = s.cfg.ReceiveTimeout
				}
			default:
				s.dispatch(m)
			}
			resetTimer(timeout, receiveTimeout)
		}
	}
}

func (s *Server) dispatch(m message.Message) {
	status := s.router.Dispatch(m.Instruction, m.Param1.Uint(), m.Param2.Float())
	if status == router.StatusOK {
		return
	}
	log.Printf("SESSION: %v %v", m, status)
	if s.cfg.ReplyErrors {
		if err := s.proto.Respond(message.New(message.ErrorUnknown, m.Param1, 0)); err != nil {
			log.Println("SESSION: failed to report error:", err)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
