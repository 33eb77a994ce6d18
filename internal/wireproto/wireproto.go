// Package wireproto implements the length-framed message protocol the
// coordinator and a worker subprocess speak over a Unix-domain socket
// (spec §4.2). Framing is a closed tag set; every frame is
// u32 length | u8 tag | payload, the payload gob-encoded.
package wireproto

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/jpequegn/retestrunner/internal/model"
)

// Tag identifies the kind of frame. The set is closed per spec §4.2.
type Tag uint8

const (
	TagEval Tag = iota + 1
	TagEvalCode
	TagResult
	TagValue
	TagError
	TagProfile
)

func (t Tag) String() string {
	switch t {
	case TagEval:
		return "EVAL"
	case TagEvalCode:
		return "EVAL_CODE"
	case TagResult:
		return "RESULT"
	case TagValue:
		return "VALUE"
	case TagError:
		return "ERROR"
	case TagProfile:
		return "PROFILE"
	default:
		return "UNKNOWN"
	}
}

// maxFrame guards against a corrupt length prefix turning one bad frame
// into an out-of-memory crash.
const maxFrame = 256 << 20

// EvalRequest is the payload of an EVAL frame: the item to evaluate and
// the full definitions of its required setups, in declaration order (the
// worker memoizes them by name in its own SetupCache). LogPath is not
// filled in by the coordinator nor read by the worker, which names the
// per-item log file itself from the item id and run number.
type EvalRequest struct {
	RequestID  uint64
	Item       model.TestItem
	Setups     []model.TestSetup
	LogPath    string
	RunNumber  int
	TestEndRef *model.CodeRef
}

// EvalCodeRequest is the payload of an EVAL_CODE frame.
type EvalCodeRequest struct {
	RequestID uint64
	Code      model.CodeRef
}

// ResultFrame is the payload of a RESULT frame.
type ResultFrame struct {
	RequestID uint64
	Result    model.Result
}

// ValueFrame is the payload of a VALUE frame.
type ValueFrame struct {
	RequestID uint64
	Value     string
}

// ErrorFrame is the payload of an ERROR frame.
type ErrorFrame struct {
	RequestID uint64
	Message   string
}

// ProfileRequest is the payload of a PROFILE frame: a fire-and-forget
// diagnostic stack-capture request. It carries no RequestID because the
// worker never replies to it.
type ProfileRequest struct {
	NSeconds int64
	Label    string
}

// Frame is one decoded message.
type Frame struct {
	Tag     Tag
	Payload []byte // gob-encoded, decode with Decode
}

// Conn wraps a byte stream (typically a net.Conn to a Unix socket) with
// framed, concurrency-safe Write and a single-reader ReadFrame.
type Conn struct {
	rw io.ReadWriter
	wm sync.Mutex
}

// NewConn wraps rw. rw is not closed by Conn; the caller owns its
// lifetime.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// WriteFrame encodes payload with gob and writes one framed message.
// Safe for concurrent use; frames never interleave.
func (c *Conn) WriteFrame(tag Tag, payload any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("wireproto: encode %s payload: %w", tag, err)
		}
	}

	c.wm.Lock()
	defer c.wm.Unlock()

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(buf.Len()))
	header[4] = byte(tag)
	if _, err := c.rw.Write(header); err != nil {
		return fmt.Errorf("wireproto: write header: %w", err)
	}
	if buf.Len() > 0 {
		if _, err := c.rw.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("wireproto: write payload: %w", err)
		}
	}
	return nil
}

// ErrTerminated is returned by ReadFrame when the stream ends mid-frame
// or at a frame boundary; both are treated as worker termination per the
// framing invariant in spec §4.2.
var ErrTerminated = fmt.Errorf("wireproto: connection terminated")

// ReadFrame blocks for the next frame. Not safe for concurrent use --
// the coordinator side dedicates one reader goroutine per worker.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, ErrTerminated
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length > maxFrame {
		return Frame{}, fmt.Errorf("wireproto: frame too large (%d bytes)", length)
	}
	tag := Tag(header[4])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTerminated
		}
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// Decode gob-decodes a frame's payload into v.
func Decode(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(f.Payload)).Decode(v)
}
