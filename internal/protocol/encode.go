package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const (
	opcodeSize   = 1
	labelLenSize = 2
	fileLenSize  = 8

	// MaxLabelLen is the largest label the 2-byte length prefix can carry.
	MaxLabelLen = math.MaxUint16
	// HeaderOverhead is the encoded size of a message with empty label and file.
	HeaderOverhead = opcodeSize + labelLenSize + fileLenSize
)

// Message is one decoded or constructed record. It owns its buffers and holds
// no reference to the connection it came from.
type Message struct {
	opcode Opcode
	label  []byte
	file   []byte
}

// NewMessage validates and copies its inputs.
func NewMessage(op Opcode, label, file []byte) (Message, error) {
	if !op.Valid() {
		return Message{}, fmt.Errorf("%w: opcode tag 0x%02x", ErrConstruction, uint8(op))
	}
	if len(label) > MaxLabelLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrLabelTooLong, len(label))
	}
	return Message{
		opcode: op,
		label:  bytes.Clone(label),
		file:   bytes.Clone(file),
	}, nil
}

func NewWrite(label, file []byte) (Message, error) {
	return NewMessage(OpWrite, label, file)
}

func NewHeartbeat() Message {
	return Message{opcode: OpHeartbeat}
}

func NewAck() Message {
	return Message{opcode: OpAck}
}

// NewError builds an ERROR message. The reason is cut at the first NUL and at
// MaxLabelLen bytes so the result always validates.
func NewError(reason string) Message {
	if i := strings.IndexByte(reason, 0); i >= 0 {
		reason = reason[:i]
	}
	if len(reason) > MaxLabelLen {
		reason = reason[:MaxLabelLen]
	}
	return Message{opcode: OpError, label: []byte(reason)}
}

func (m Message) Opcode() Opcode {
	return m.opcode
}

// Label returns the label bytes. The slice is shared with the Message.
func (m Message) Label() []byte {
	return m.label
}

// File returns the payload bytes. The slice is shared with the Message.
func (m Message) File() []byte {
	return m.file
}

func (m Message) EncodedLen() int {
	return HeaderOverhead + len(m.label) + len(m.file)
}

// Bytes encodes the message into a single frame.
func (m Message) Bytes() []byte {
	buf := make([]byte, m.EncodedLen())
	off := m.putHeader(buf)
	off += copy(buf[off:], m.label)
	binary.BigEndian.PutUint64(buf[off:off+fileLenSize], uint64(len(m.file)))
	off += fileLenSize
	copy(buf[off:], m.file)
	return buf
}

func (m Message) putHeader(buf []byte) int {
	buf[0] = byte(m.opcode)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.label)))
	return opcodeSize + labelLenSize
}

// WriteTo streams the frame without building it in one buffer.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	head := make([]byte, opcodeSize+labelLenSize)
	m.putHeader(head)
	var fileLen [fileLenSize]byte
	binary.BigEndian.PutUint64(fileLen[:], uint64(len(m.file)))

	var total int64
	for _, part := range [][]byte{head, m.label, fileLen[:], m.file} {
		if len(part) == 0 {
			continue
		}
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Validate checks what a peer relies on before acting on a message. WRITE,
// BUNDLE and ERROR treat the label as a name, so it must hold no NUL byte; an
// empty label is fine. Fields an opcode does not use are ignored.
func (m Message) Validate() error {
	if !m.opcode.Valid() {
		return &UnknownOpcodeError{Tag: byte(m.opcode)}
	}
	if m.opcode.needsLabel() {
		if i := bytes.IndexByte(m.label, 0); i >= 0 {
			return fmt.Errorf("%w: %s label has NUL at offset %d", ErrLabelNUL, m.opcode, i)
		}
	}
	return nil
}

func (m Message) Equal(other Message) bool {
	return m.opcode == other.opcode &&
		bytes.Equal(m.label, other.label) &&
		bytes.Equal(m.file, other.file)
}

func (m Message) String() string {
	return fmt.Sprintf("%s label=%q file=%dB", m.opcode, m.label, len(m.file))
}
