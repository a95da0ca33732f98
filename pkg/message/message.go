package message

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Size of one frame on the wire.
const Size = 12

type Instruction uint32

const (
	Success Instruction = iota
	ErrorUnknown
	ErrorPassword
	ErrorTimeout
	ErrorInvalidData

	AddServo
	RemoveServo

	SetSmoothing
	SetMinWidth
	SetMaxWidth
	SetSteering

	SetTimeout
	KeepAlive
	Authenticate
	Quit

	SetDefaultSteering
	Reset
)

var instructionNames = map[Instruction]string{
	Success:            "SUCCESS",
	ErrorUnknown:       "ERROR_UNKNOWN",
	ErrorPassword:      "ERROR_PASSWORD",
	ErrorTimeout:       "ERROR_TIMEOUT",
	ErrorInvalidData:   "ERROR_INVALID_DATA",
	AddServo:           "ADD_SERVO",
	RemoveServo:        "RM_SERVO",
	SetSmoothing:       "SET_SMOOTHING",
	SetMinWidth:        "SET_MINWIDTH",
	SetMaxWidth:        "SET_MAXWIDTH",
	SetSteering:        "SET_STEERING",
	SetTimeout:         "SET_TIMEOUT",
	KeepAlive:          "KEEP_ALIVE",
	Authenticate:       "AUTHENTICATE",
	Quit:               "QUIT",
	SetDefaultSteering: "SET_DEFAULT_STEERING",
	Reset:              "RESET",
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(i))
}

// Param is a 32-bit parameter that may be an integer or a float32; only the
// instruction says which.
type Param uint32

func Uint(v uint32) Param {
	return Param(v)
}

func Float(v float32) Param {
	return Param(math.Float32bits(v))
}

func (p Param) Uint() uint32 {
	return uint32(p)
}

func (p Param) Float() float32 {
	return math.Float32frombits(uint32(p))
}

type Message struct {
	Instruction Instruction
	Param1      Param
	Param2      Param
}

func New(instr Instruction, p1, p2 Param) Message {
	return Message{Instruction: instr, Param1: p1, Param2: p2}
}

func (m Message) String() string {
	return fmt.Sprintf("(%v:%08x:%08x)", m.Instruction, uint32(m.Param1), uint32(m.Param2))
}

func Encode(m Message) [Size]byte {
	var b [Size]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(m.Instruction))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.Param1))
	binary.BigEndian.PutUint32(b[8:12], uint32(m.Param2))
	return b
}

func Decode(b [Size]byte) Message {
	return Message{
		Instruction: Instruction(binary.BigEndian.Uint32(b[0:4])),
		Param1:      Param(binary.BigEndian.Uint32(b[4:8])),
		Param2:      Param(binary.BigEndian.Uint32(b[8:12])),
	}
}

// Read reads exactly one frame.  A short read returns io.ErrUnexpectedEOF.
func Read(r io.Reader) (Message, error) {
	var b [Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Message{}, err
	}
	return Decode(b), nil
}

func Write(w io.Writer, m Message) error {
	b := Encode(m)
	_, err := w.Write(b[:])
	return err
}
