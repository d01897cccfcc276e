package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")
	ErrMalformed     = errors.New("protocol: malformed frame")
	ErrConstruction  = errors.New("protocol: invalid message")
	ErrNilTimeout    = errors.New("protocol: decode requires a timeout")

	ErrLabelTooLong  = fmt.Errorf("%w: label too long", ErrConstruction)
	ErrTruncated     = fmt.Errorf("%w: truncated", ErrMalformed)
	ErrFileTooLarge  = fmt.Errorf("%w: declared file length exceeds limit", ErrMalformed)
	ErrTrailingBytes = fmt.Errorf("%w: trailing bytes after frame", ErrMalformed)
	ErrLabelNUL      = fmt.Errorf("%w: label contains NUL byte", ErrMalformed)
)

// UnknownOpcodeError carries the unrecognised wire tag.
type UnknownOpcodeError struct {
	Tag byte
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("protocol: unknown opcode tag 0x%02x", e.Tag)
}

func (e *UnknownOpcodeError) Is(target error) bool {
	return target == ErrUnknownOpcode
}

// DecodeError records the decoder state in which a frame decode failed.
type DecodeError struct {
	State DecodeState
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode failed while %s: %v", e.State, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
