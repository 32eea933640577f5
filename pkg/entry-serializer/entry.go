package serializer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrMalformed is returned when stored bytes are not a serialized entry.
var ErrMalformed = errors.New("malformed serialized entry")

// delim separates the header from the body.
const delim = '\n'

// Header holds the metadata of a stored entry.
// It is written as a single JSON line in front of the body.
type Header struct {
	URI             string    `json:"uri"`
	Tier            string    `json:"tier"`
	SourceURL       string    `json:"sourceUrl"`
	ExtractionQuery string    `json:"extractionQuery,omitempty"`
	ContentType     string    `json:"contentType,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	TTLMs           int64     `json:"ttlMs"`
	SizeBytes       int64     `json:"sizeBytes"`
}

// TTL returns the time-to-live stored in the header.
func (h Header) TTL() time.Duration {
	return time.Duration(h.TTLMs) * time.Millisecond
}

// Encode returns the stored representation of header and body.
func Encode(h Header, body []byte) ([]byte, error) {
	h.SizeBytes = int64(len(body))
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(headerBytes)+1+len(body)))
	buf.Write(headerBytes)
	buf.WriteByte(delim)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode splits stored bytes into header and body.
func Decode(b []byte) (Header, []byte, error) {
	i := bytes.IndexByte(b, delim)
	if i < 0 {
		return Header{}, nil, ErrMalformed
	}
	h, err := parseHeader(b[:i])
	if err != nil {
		return Header{}, nil, err
	}
	body := b[i+1:]
	if int64(len(body)) != h.SizeBytes {
		return Header{}, nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrMalformed, len(body), h.SizeBytes)
	}
	return h, body, nil
}

// DecodeHeader reads only the header line from r.
func DecodeHeader(r io.Reader) (Header, error) {
	line, err := bufio.NewReader(r).ReadBytes(delim)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, ErrMalformed
		}
		return Header{}, err
	}
	return parseHeader(line[:len(line)-1])
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if h.URI == "" {
		return Header{}, fmt.Errorf("%w: missing uri", ErrMalformed)
	}
	return h, nil
}
