package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	// Name comes from the "event:" field; empty means the default type.
	Name string
	// Data joins all "data:" lines of the event with newlines.
	Data string
}

// Scanner reads text/event-stream frames from a reader.
//
// Frames end at a blank line. Comment lines (":" prefix) and fields other
// than event and data are skipped.
//
//	sc := NewScanner(body)
//	for sc.Next() {
//		ev := sc.Event()
//	}
//	err := sc.Err()
type Scanner struct {
	r   *bufio.Reader
	cur Event
	err error
}

// NewScanner creates a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or on
// a read error; Err tells the two apart.
func (s *Scanner) Next() bool {
	s.cur = Event{}
	if s.err != nil {
		return false
	}

	var (
		name    string
		data    []string
		hasData bool
	)

	emit := func() {
		s.cur = Event{Name: name, Data: strings.Join(data, "\n")}
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			name = value
		}
	}
}

// Event returns the event read by the last successful Next.
func (s *Scanner) Event() Event {
	return s.cur
}

// Err returns the read error that stopped the scanner, or nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
