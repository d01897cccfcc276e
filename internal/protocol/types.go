package protocol

import "fmt"

// Opcode is the closed set of message kinds. Tags are fixed forever; new
// kinds take new tags.
type Opcode uint8

const (
	OpWrite     Opcode = 0x01
	OpBundle    Opcode = 0x02
	OpSign      Opcode = 0x03
	OpHeartbeat Opcode = 0x04
	OpAck       Opcode = 0x05
	OpError     Opcode = 0x06
)

// ParseOpcode maps a wire tag to an Opcode. Unknown tags are an error, never
// a default.
func ParseOpcode(tag byte) (Opcode, error) {
	switch op := Opcode(tag); op {
	case OpWrite, OpBundle, OpSign, OpHeartbeat, OpAck, OpError:
		return op, nil
	default:
		return 0, &UnknownOpcodeError{Tag: tag}
	}
}

func (o Opcode) Valid() bool {
	_, err := ParseOpcode(byte(o))
	return err == nil
}

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpBundle:
		return "BUNDLE"
	case OpSign:
		return "SIGN"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", uint8(o))
	}
}

// needsLabel reports whether the opcode's label is read as text. Fields an
// opcode does not need may still be present and are ignored.
func (o Opcode) needsLabel() bool {
	switch o {
	case OpWrite, OpBundle, OpError:
		return true
	default:
		return false
	}
}

// DecodeState is the position of a frame decode.
type DecodeState int

const (
	StateAwaitingOpcode DecodeState = iota
	StateAwaitingLabelLen
	StateAwaitingLabel
	StateAwaitingFileLen
	StateAwaitingFile
	StateComplete
	StateFailed
)

func (s DecodeState) String() string {
	switch s {
	case StateAwaitingOpcode:
		return "awaiting_opcode"
	case StateAwaitingLabelLen:
		return "awaiting_label_len"
	case StateAwaitingLabel:
		return "awaiting_label"
	case StateAwaitingFileLen:
		return "awaiting_file_len"
	case StateAwaitingFile:
		return "awaiting_file"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("decode_state(%d)", int(s))
	}
}
