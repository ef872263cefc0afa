package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single reply. Info trees for large files are big but
// anything beyond this is treated as a misbehaving process.
const MaxFrameBytes = 256 << 20

// ErrFrameTooLarge is returned when a reply exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol frame exceeds size limit")

// frameTerminator ends every command and every reply: the REPL reads and
// writes JSON objects separated by a blank line.
var frameTerminator = []byte("\n\n")

// EncodeCommand serializes cmd as a single JSON line followed by a blank line.
func EncodeCommand(w io.Writer, cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	data = append(data, frameTerminator...)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// FrameReader splits a REPL stdout stream into reply frames.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024), max: MaxFrameBytes}
}

// ReadFrame returns the next non-empty frame. Leading blank lines are skipped.
// A stream that ends mid-frame yields io.ErrUnexpectedEOF together with the
// partial bytes; a stream that ends between frames yields io.EOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := f.r.ReadBytes('\n')
		trimmed := bytes.TrimRight(line, "\r\n")

		if len(bytes.TrimSpace(trimmed)) == 0 {
			if buf.Len() > 0 && err == nil {
				return buf.Bytes(), nil
			}
		} else {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.Write(trimmed)
			if buf.Len() > f.max {
				return nil, ErrFrameTooLarge
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if buf.Len() > 0 {
					return buf.Bytes(), io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return buf.Bytes(), err
		}
	}
}

// DecodeResponse parses a single reply frame.
func DecodeResponse(frame []byte) (*Response, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, fmt.Errorf("empty response frame")
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return &resp, nil
}

// ReadResponse reads and decodes the next reply from f.
func (f *FrameReader) ReadResponse() (*Response, []byte, error) {
	frame, err := f.ReadFrame()
	if err != nil {
		return nil, frame, err
	}
	resp, err := DecodeResponse(frame)
	if err != nil {
		return nil, frame, err
	}
	return resp, frame, nil
}
