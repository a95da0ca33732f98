// Package protocol is the server side of the RC wire protocol: one
// connection at a time, a password handshake, then a stream of 12-byte
// messages.
//
// Every blocking operation can be aborted from another goroutine with
// Cancel.  A Cancel that arrives while nothing is pending is remembered and
// aborts the next operation instead.
package protocol

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/petiaccja/raspberry-rc/pkg/message"
)

type State int

const (
	Stopped State = iota
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MaxPasswordLength is the longest password the handshake can carry.
const MaxPasswordLength = 255

// A deadline in the past makes any pending net call return at once.
var past = time.Unix(1, 0)

type Server struct {
	listener *net.TCPListener

	// AuthTimeout bounds the whole handshake; zero waits forever.
	AuthTimeout time.Duration

	lock      sync.Mutex
	state     State
	conn      net.Conn
	cancelled bool   // latched until an operation consumes it
	cancels   uint64 // bumped by every Cancel
	pending   map[*op]struct{}

	// Bytes of a frame whose read was aborted.  The next ReadMessage
	// finishes it so the stream never shifts.
	partial [message.Size]byte
	have    int
}

// op is one blocking call that Cancel may need to interrupt.
type op struct {
	setDeadline func(time.Time) error
	gen         uint64
}

// Listen binds port on every interface, over IPv6 if ipv6 is set.  Port 0
// picks a free one; see Addr.
func Listen(port int, ipv6 bool) (*Server, error) {
	network := "tcp4"
	if ipv6 {
		network = "tcp6"
	}
	addr, err := net.ResolveTCPAddr(network, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrap(err, "bad listen address")
	}
	l, err := net.ListenTCP(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on port %d", port)
	}
	log.Println("NET: listening on", l.Addr())
	return &Server{
		listener: l,
		pending:  map[*op]struct{}{},
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// RemoteAddr is nil when no client is connected.
func (s *Server) RemoteAddr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// Accept waits for one client.
func (s *Server) Accept() error {
	if err := s.require("Accept", Stopped); err != nil {
		return err
	}
	o, err := s.begin(s.listener.SetDeadline, time.Time{})
	if err != nil {
		return err
	}
	conn, err := s.listener.Accept()
	if err = s.end(o, err); err != nil {
		return errors.Wrap(err, "accept")
	}

	s.lock.Lock()
	s.conn = conn
	s.state = Connected
	s.have = 0
	s.lock.Unlock()
	log.Println("NET: accepted connection from", conn.RemoteAddr())
	return nil
}

// Authenticate runs the handshake against password.  An empty password lets
// any client in.
//
// The client opens with AUTHENTICATE carrying the password length, which is
// acknowledged with SUCCESS.  The raw password bytes follow and the reply is
// SUCCESS or ERROR_PASSWORD.
func (s *Server) Authenticate(password string) error {
	conn, err := s.connFor("Authenticate", Connected)
	if err != nil {
		return err
	}
	var deadline time.Time
	if s.AuthTimeout > 0 {
		deadline = time.Now().Add(s.AuthTimeout)
	}
	o, err := s.begin(conn.SetDeadline, deadline)
	if err != nil {
		return err
	}
	ok, err := s.handshake(conn, password)
	if err = s.end(o, err); err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}

	s.lock.Lock()
	s.state = Authenticated
	s.lock.Unlock()
	return nil
}

func (s *Server) handshake(conn net.Conn, password string) (bool, error) {
	req, err := message.Read(conn)
	if err != nil {
		return false, errors.Wrap(err, "failed to read auth request")
	}
	length := req.Param1.Uint()
	if req.Instruction != message.Authenticate || length > MaxPasswordLength {
		if err := message.Write(conn, message.New(message.ErrorInvalidData, 0, 0)); err != nil {
			return false, errors.Wrap(err, "failed to reject auth request")
		}
		return false, errors.Wrapf(ErrInvalidData, "auth request %v", req)
	}
	if err := message.Write(conn, message.New(message.Success, 0, 0)); err != nil {
		return false, errors.Wrap(err, "failed to acknowledge auth request")
	}

	candidate := make([]byte, length)
	if _, err := io.ReadFull(conn, candidate); err != nil {
		return false, errors.Wrap(err, "failed to read password")
	}

	ok := passwordMatches(password, candidate)
	reply := message.Success
	if !ok {
		reply = message.ErrorPassword
	}
	if err := message.Write(conn, message.New(reply, 0, 0)); err != nil {
		return false, errors.Wrap(err, "failed to send auth result")
	}
	return ok, nil
}

func passwordMatches(password string, candidate []byte) bool {
	if password == "" {
		return true
	}
	if len(candidate) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), candidate) == 1
}

// ReadMessage waits for the next frame from an authenticated client.
func (s *Server) ReadMessage() (message.Message, error) {
	conn, err := s.connFor("ReadMessage", Authenticated)
	if err != nil {
		return message.Message{}, err
	}
	o, err := s.begin(conn.SetReadDeadline, time.Time{})
	if err != nil {
		return message.Message{}, err
	}
	n, err := io.ReadFull(conn, s.partial[s.have:])
	s.have += n
	if err = s.end(o, err); err != nil {
		return message.Message{}, errors.Wrap(err, "read")
	}
	s.have = 0
	return message.Decode(s.partial), nil
}

// Respond sends one frame.  It may be called while another goroutine sits
// in ReadMessage.
func (s *Server) Respond(m message.Message) error {
	conn, err := s.connFor("Respond", Connected, Authenticated)
	if err != nil {
		return err
	}
	o, err := s.begin(conn.SetWriteDeadline, time.Time{})
	if err != nil {
		return err
	}
	err = message.Write(conn, m)
	if err = s.end(o, err); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// Cancel aborts whatever is pending, or the next operation if nothing is.
// Safe to call from any goroutine.
func (s *Server) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cancelled = true
	s.cancels++
	for o := range s.pending {
		_ = o.setDeadline(past)
	}
}

// Reset forgets a Cancel that no operation consumed.
func (s *Server) Reset() {
	s.lock.Lock()
	s.cancelled = false
	s.lock.Unlock()
}

// Close drops the client, if any, and returns to Stopped.  The listener
// stays open.
func (s *Server) Close() {
	s.lock.Lock()
	conn := s.conn
	s.conn = nil
	s.state = Stopped
	s.lock.Unlock()
	if conn != nil {
		_ = conn.Close()
		log.Println("NET: closed connection to", conn.RemoteAddr())
	}
}

// Shutdown closes the client and the listener.  The Server can't be used
// afterwards.
func (s *Server) Shutdown() error {
	s.Close()
	return s.listener.Close()
}

func (s *Server) require(opName string, states ...State) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.requireLocked(opName, states)
}

func (s *Server) requireLocked(opName string, states []State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return &InvalidCallError{Op: opName, State: s.state, Required: states}
}

func (s *Server) connFor(opName string, states ...State) (net.Conn, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.requireLocked(opName, states); err != nil {
		return nil, err
	}
	return s.conn, nil
}

// begin registers a blocking call with Cancel, or consumes a latched cancel.
func (s *Server) begin(setDeadline func(time.Time) error, deadline time.Time) (*op, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancelled {
		s.cancelled = false
		return nil, ErrAborted
	}
	if err := setDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "failed to set deadline")
	}
	o := &op{setDeadline: setDeadline, gen: s.cancels}
	s.pending[o] = struct{}{}
	return o, nil
}

// end unregisters o and translates deadline errors into ErrAborted or
// ErrTimedOut.
func (s *Server) end(o *op, err error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.pending, o)
	_ = o.setDeadline(time.Time{})

	if err == nil || !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if s.cancels != o.gen {
		s.cancelled = false
		return ErrAborted
	}
	return ErrTimedOut
}
