package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// DefaultMaxFrame bounds a single frame body. Large execution output lives in
// the sinks, not the frame, so anything beyond this indicates a broken peer.
const DefaultMaxFrame = 16 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// Codec reads and writes length-prefixed JSON frames on a byte stream.
// A zero MaxFrame means DefaultMaxFrame.
type Codec struct {
	MaxFrame int64
}

func (c Codec) maxFrame() int64 {
	if c.MaxFrame <= 0 {
		return DefaultMaxFrame
	}
	return c.MaxFrame
}

// WriteFrame encodes v with sonic and writes it behind a 4-byte big-endian
// length prefix. One call produces exactly one frame.
func (c Codec) WriteFrame(w io.Writer, v any) error {
	body, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if int64(len(body)) > c.maxFrame() {
		return ErrFrameTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func (c Codec) ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	size := int64(binary.BigEndian.Uint32(prefix[:]))
	if size == 0 {
		return ErrEmptyFrame
	}
	if size > c.maxFrame() {
		return ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// WriteRequest writes a request frame.
func (c Codec) WriteRequest(w io.Writer, req *Request) error {
	return c.WriteFrame(w, req)
}

// ReadRequest reads a request frame.
func (c Codec) ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := c.ReadFrame(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteResponse writes a response frame.
func (c Codec) WriteResponse(w io.Writer, resp *Response) error {
	return c.WriteFrame(w, resp)
}

// ReadResponse reads a response frame.
func (c Codec) ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := c.ReadFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
