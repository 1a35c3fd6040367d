// Package sse implements an incremental decoder for the Server-Sent Events
// wire format and a recognizer for JSON-RPC messages carried in event data.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// Event is one framed SSE event: contiguous "field: value" lines terminated
// by a blank line. Multi-line data fields are joined with "\n".
type Event struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
	Retry int    `json:"retry,omitempty"`
}

// Scanner reads SSE events from a byte stream. It preserves event
// boundaries across chunked reads and tolerates CR, LF, and CRLF line
// endings. A Scanner is not safe for concurrent use.
type Scanner struct {
	r      io.Reader
	buf    []byte // bytes read but not yet framed into a line
	chunk  []byte
	eof    bool
	skipLF bool // last line ended at a bare CR; swallow an immediately following LF
	err    error
}

// maxLineSize bounds a single SSE line to keep a hostile upstream from
// buffering unbounded data.
const maxLineSize = 4 * 1024 * 1024

// NewScanner creates a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, chunk: make([]byte, 32*1024)}
}

// Next returns the next complete event from the stream. It blocks until a
// blank line terminates a field block. A clean end of stream returns
// io.EOF; if the upstream closes mid-event the partial trailing frame is
// discarded and io.ErrUnexpectedEOF is returned instead.
func (s *Scanner) Next() (*Event, error) {
	if s.err != nil {
		return nil, s.err
	}

	var (
		ev       Event
		dataSeen bool
		data     strings.Builder
		fields   int
	)

	for {
		line, err := s.readLine()
		if err != nil {
			// An unterminated trailing block cannot be trusted: drop the
			// frame and surface the truncation.
			if err == io.EOF && fields > 0 {
				err = io.ErrUnexpectedEOF
			}
			s.err = err
			return nil, err
		}

		// Blank line: dispatch if the block carried any field.
		if len(line) == 0 {
			if fields == 0 {
				continue
			}
			if dataSeen {
				ev.Data = data.String()
			}
			return &ev, nil
		}

		// Comment lines start with a colon and are ignored.
		if line[0] == ':' {
			continue
		}

		fields++
		name, value := splitField(line)
		switch name {
		case "data":
			if dataSeen {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			dataSeen = true
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "retry":
			if n, convErr := strconv.Atoi(value); convErr == nil {
				ev.Retry = n
			}
		}
		// Unknown field names are ignored.
	}
}

// readLine returns the next terminated line, handling LF, CRLF, and bare CR.
// Input is pulled in bounded chunks so a stream that never sends a
// terminator cannot grow past maxLineSize, and CR-only streams frame as the
// bytes arrive rather than at end of stream.
func (s *Scanner) readLine() ([]byte, error) {
	for {
		// A CR terminates a line on its own; if it turns out to have been
		// the first half of a CRLF split across reads, the LF arriving at
		// the front of the next chunk belongs to it.
		if s.skipLF && len(s.buf) > 0 {
			if s.buf[0] == '\n' {
				s.buf = s.buf[1:]
			}
			s.skipLF = false
		}

		if i := bytes.IndexAny(s.buf, "\r\n"); i >= 0 {
			line := append([]byte(nil), s.buf[:i]...)
			next := i + 1
			if s.buf[i] == '\r' {
				if next < len(s.buf) {
					if s.buf[next] == '\n' {
						next++
					}
				} else {
					s.skipLF = true
				}
			}
			s.buf = append(s.buf[:0], s.buf[next:]...)
			return line, nil
		}

		if s.eof {
			if len(s.buf) == 0 {
				return nil, io.EOF
			}
			// The upstream closed mid-line.
			return nil, io.ErrUnexpectedEOF
		}
		if len(s.buf) > maxLineSize {
			return nil, bufio.ErrTooLong
		}

		n, rerr := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if rerr == io.EOF {
			s.eof = true
		} else if rerr != nil {
			return nil, rerr
		}
	}
}

// splitField splits an SSE "field: value" line. A single space after the
// colon is stripped; a line with no colon is a field with an empty value.
func splitField(line []byte) (string, string) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), ""
	}
	name := string(line[:i])
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return name, string(value)
}

// DecodeJSONRPC attempts to parse an event's data as a JSON-RPC message.
// It returns the decoded envelope, its classification, and whether the data
// was recognized as JSON-RPC at all.
func DecodeJSONRPC(data string) (*mcp.Envelope, mcp.Kind, bool) {
	raw := []byte(data)
	kind, ok := mcp.ClassifyMessage(raw)
	if !ok {
		return nil, 0, false
	}
	env, err := mcp.DecodeEnvelope(raw)
	if err != nil {
		return nil, 0, false
	}
	return env, kind, true
}
