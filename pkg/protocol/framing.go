package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// frameTerminator separates frames on the wire.
var frameTerminator = []byte("\r\n")

// ReadBufferSize is the per-read receive buffer. Single frames can approach
// 64 KiB (comet ephemeris payloads exceed 50 KiB).
const ReadBufferSize = 64 * 1024

// EncodeFrame serializes a request and appends the CRLF terminator.
func EncodeFrame(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request %q: %w", req.Method, err)
	}
	return append(data, frameTerminator...), nil
}

// Splitter accumulates raw socket reads and yields complete CRLF-terminated
// frames one at a time. Partial trailing bytes are retained across Push
// calls, so a frame split across reads is reassembled and yielded exactly
// once. Consumers that hit a malformed frame simply stop draining the
// current batch; unconsumed bytes stay buffered for the next read.
type Splitter struct {
	buf []byte
}

// Push appends freshly read bytes to the internal buffer.
func (s *Splitter) Push(data []byte) {
	s.buf = append(s.buf, data...)
}

// Next pops the oldest complete frame, without its terminator.
// Returns false when no complete frame is buffered.
func (s *Splitter) Next() ([]byte, bool) {
	idx := bytes.Index(s.buf, frameTerminator)
	if idx < 0 {
		return nil, false
	}
	frame := s.buf[:idx]
	s.buf = s.buf[idx+len(frameTerminator):]
	return frame, true
}

// Pending reports how many bytes are buffered but not yet yielded.
func (s *Splitter) Pending() int {
	return len(s.buf)
}
