package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one Server-Sent Event read from the transport.
type Frame struct {
	// Event is the "event:" field; empty for the default message type.
	Event string
	// Data joins all "data:" lines of the frame with newlines.
	Data string
	// ID is the last "id:" field seen in the frame.
	ID string
	// Retry is the reconnection delay requested by the server, zero if absent.
	Retry time.Duration
}

// scanner reads frames from a text/event-stream body. Comment lines and
// unknown fields are skipped; a frame is emitted at each blank line that
// follows at least one data or retry line. Fields pending at end of stream
// are discarded.
type scanner struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

func newScanner(r io.Reader) *scanner {
	return &scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Frame{}

	var (
		dataLines []string
		frame     Frame
		hasData   bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			// A frame without its closing blank line was cut off; drop it.
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData || frame.Retry > 0 {
				frame.Data = strings.Join(dataLines, "\n")
				s.current = frame
				return true
			}
			frame = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				frame.ID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

func (s *scanner) Frame() Frame {
	return s.current
}

// Err returns the error that ended the scan. A clean end of stream is
// reported as io.EOF because a deployment stream is never expected to end on
// its own.
func (s *scanner) Err() error {
	return s.err
}
