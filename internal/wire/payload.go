// Package wire defines the payload sent to broadcast clients.
//
// Each event is encoded once as a JSON object of the form
//
//	{"paths":["/a","/b"]}
//
// followed by a single '\n'. Clients delimit messages on newlines
// (NDJSON). Encoded JSON never contains a raw newline, so the framing
// is unambiguous.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Delimiter terminates every frame.
const Delimiter = '\n'

// MaxFrameSize bounds a single frame accepted by Decoder.
const MaxFrameSize = 1 << 20

// Payload is the wire representation of one event.
type Payload struct {
	Paths []string `json:"paths"`
}

// Encode marshals paths into a newline-terminated frame.
//
// Postcondition: Returns the frame bytes; a nil paths slice encodes as [].
func Encode(paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(Payload{Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return append(data, Delimiter), nil
}

// Decoder reads frames produced by Encode.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &Decoder{scanner: s}
}

// Next returns the next payload, or io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Payload, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Payload{}, fmt.Errorf("reading frame: %w", err)
		}
		return Payload{}, io.EOF
	}
	var p Payload
	if err := json.Unmarshal(d.scanner.Bytes(), &p); err != nil {
		return Payload{}, fmt.Errorf("decoding frame: %w", err)
	}
	return p, nil
}
