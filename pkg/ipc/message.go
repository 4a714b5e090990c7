package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// terminator ends every message on the wire.
	terminator byte = 0x03
	separator       = "|"

	maxMessageSize = 1 << 20
)

var (
	ErrUnknownHeader = errors.New("unknown request header")
	ErrMalformedBody = errors.New("malformed request body")
	ErrEmptyMessage  = errors.New("empty message")
	ErrMessageTooBig = errors.New("message exceeds maximum size")
)

// Message is the envelope for requests and responses: a header token naming the
// kind or result, and an opaque body.
type Message struct {
	Header string
	Body   string
}

func NewMessage(header, body string) Message {
	return Message{Header: header, Body: body}
}

// Encode renders the message as "<header>|<body>" followed by the terminator.
func (m Message) Encode() []byte {
	var b strings.Builder
	b.Grow(len(m.Header) + len(m.Body) + 2)
	b.WriteString(m.Header)
	b.WriteString(separator)
	b.WriteString(m.Body)
	b.WriteByte(terminator)
	return []byte(b.String())
}

// ParseMessage splits a raw frame (without terminator) into header and body.
// A frame without a separator is a header with an empty body.
func ParseMessage(raw string) (Message, error) {
	if raw == "" {
		return Message{}, ErrEmptyMessage
	}
	header, body, _ := strings.Cut(raw, separator)
	return Message{Header: header, Body: body}, nil
}

// ReadMessage reads one terminated frame from r.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice(terminator)
		buf = append(buf, chunk...)
		if len(buf) > maxMessageSize {
			return Message{}, ErrMessageTooBig
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return Message{}, fmt.Errorf("read message: %w", io.ErrUnexpectedEOF)
		}
		return Message{}, err
	}
	return ParseMessage(string(buf[:len(buf)-1]))
}

// WriteMessage writes one terminated frame to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}
