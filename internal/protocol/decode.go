package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/observability"
)

// ByteReader is the read half of a connection: exactly n bytes or an error,
// bounded by t.
type ByteReader interface {
	ReadBytes(n int, t *deadline.Timeout) ([]byte, error)
}

// Limits constrains decode memory use.
type Limits struct {
	MaxFileBytes uint64
	// ChunkSize caps the size of each read issued for the file body.
	ChunkSize int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes: 1 << 30,
		ChunkSize:    64 * 1024,
	}
}

const preallocCap = 4 << 20

// Unreader is implemented by readers that can take bytes back. The next
// ReadBytes returns them first.
type Unreader interface {
	Unread(b []byte)
}

// FromConn decodes one frame from r. The Timeout is armed here and its single
// deadline bounds the whole frame.
//
// A decode that fails on a read error (timeout, closed connection) consumes
// nothing when r is an Unreader: every byte taken for the partial frame is
// handed back, so a later FromConn on the same r starts at the frame
// boundary. Without Unreader the stream is left mid-frame and r must be
// closed. Protocol errors (unknown opcode, oversized file) never give bytes
// back; the stream is unusable after them.
func FromConn(r ByteReader, t *deadline.Timeout) (Message, error) {
	return FromConnWithLimits(r, t, DefaultLimits())
}

func FromConnWithLimits(r ByteReader, t *deadline.Timeout, limits Limits) (Message, error) {
	if t == nil {
		return Message{}, ErrNilTimeout
	}
	if err := t.Arm(); err != nil {
		return Message{}, err
	}
	d := decoder{r: r, t: t, limits: limits}
	start := time.Now()
	m, err := d.run()
	if err != nil {
		observability.RecordDecode(d.failedAt.String(), 0, false)
		return Message{}, err
	}
	observability.RecordDecode(StateComplete.String(), time.Since(start), true)
	observability.RecordMessage("decoded", m.opcode.String())
	return m, nil
}

// Decode parses exactly one frame held in memory.
func Decode(b []byte) (Message, error) {
	sr := &sliceReader{b: b}
	d := decoder{r: sr, t: deadline.New(0), limits: Limits{MaxFileBytes: math.MaxUint64}}
	m, err := d.run()
	if err != nil {
		return Message{}, err
	}
	if len(sr.b) != 0 {
		return Message{}, &DecodeError{State: StateComplete, Err: fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(sr.b))}
	}
	return m, nil
}

type decoder struct {
	r        ByteReader
	t        *deadline.Timeout
	limits   Limits
	state    DecodeState
	failedAt DecodeState

	// head and file hold what has been taken from r for the current frame.
	head []byte
	file []byte
}

func (d *decoder) fail(err error) error {
	d.failedAt = d.state
	d.state = StateFailed
	return &DecodeError{State: d.failedAt, Err: err}
}

// readFailed gives the partial frame back to r, then fails.
func (d *decoder) readFailed(err error) error {
	if u, ok := d.r.(Unreader); ok && len(d.head)+len(d.file) > 0 {
		u.Unread(append(d.head, d.file...))
	}
	return d.fail(err)
}

func (d *decoder) read(n int) ([]byte, error) {
	b, err := d.r.ReadBytes(n, d.t)
	if err != nil {
		return nil, err
	}
	d.head = append(d.head, b...)
	return b, nil
}

func (d *decoder) run() (Message, error) {
	d.state = StateAwaitingOpcode
	b, err := d.read(opcodeSize)
	if err != nil {
		return Message{}, d.readFailed(err)
	}
	op, err := ParseOpcode(b[0])
	if err != nil {
		return Message{}, d.fail(err)
	}

	d.state = StateAwaitingLabelLen
	b, err = d.read(labelLenSize)
	if err != nil {
		return Message{}, d.readFailed(err)
	}
	labelLen := int(binary.BigEndian.Uint16(b))

	d.state = StateAwaitingLabel
	var label []byte
	if labelLen > 0 {
		label, err = d.read(labelLen)
		if err != nil {
			return Message{}, d.readFailed(err)
		}
	}

	d.state = StateAwaitingFileLen
	b, err = d.read(fileLenSize)
	if err != nil {
		return Message{}, d.readFailed(err)
	}
	fileLen := binary.BigEndian.Uint64(b)
	if fileLen > d.limits.MaxFileBytes || fileLen > uint64(math.MaxInt) {
		return Message{}, d.fail(fmt.Errorf("%w: %d bytes", ErrFileTooLarge, fileLen))
	}

	d.state = StateAwaitingFile
	if err := d.readFile(int(fileLen)); err != nil {
		return Message{}, d.readFailed(err)
	}

	d.state = StateComplete
	return Message{opcode: op, label: label, file: d.file}, nil
}

// readFile reads the body in chunks, each bounded by the shared deadline.
func (d *decoder) readFile(n int) error {
	if n == 0 {
		return nil
	}
	chunk := d.limits.ChunkSize
	if chunk <= 0 {
		chunk = DefaultLimits().ChunkSize
	}
	d.file = make([]byte, 0, min(n, preallocCap))
	for len(d.file) < n {
		want := min(chunk, n-len(d.file))
		b, err := d.r.ReadBytes(want, d.t)
		if err != nil {
			return err
		}
		d.file = append(d.file, b...)
	}
	return nil
}

type sliceReader struct {
	b []byte
}

func (s *sliceReader) ReadBytes(n int, _ *deadline.Timeout) ([]byte, error) {
	if n > len(s.b) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(s.b))
	}
	out := append([]byte(nil), s.b[:n]...)
	s.b = s.b[n:]
	return out, nil
}
