package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

const maxSSELine = 4 << 20 // tts.audio frames carry base64 audio

type sseReader struct {
	scanner *bufio.Scanner
	body    io.Closer
}

func newSSEReader(body io.ReadCloser) *sseReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxSSELine)
	return &sseReader{scanner: sc, body: body}
}

func splitSSEField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}

// Next returns the next dispatched event. Comment lines and frames without
// data are skipped. io.EOF means the server ended the stream.
func (s *sseReader) Next() (Event, error) {
	var ev Event
	var data bytes.Buffer
	hasData := false

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if !hasData {
				ev = Event{}
				continue
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = json.RawMessage(bytes.Clone(data.Bytes()))
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			ev.Type = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				ev.ID = id
			}
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	if hasData {
		if ev.Type == "" {
			ev.Type = "message"
		}
		ev.Data = json.RawMessage(bytes.Clone(data.Bytes()))
		return ev, nil
	}
	return Event{}, io.EOF
}

func (s *sseReader) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
