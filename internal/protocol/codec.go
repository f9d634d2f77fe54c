package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes one message per line. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode stamps the version when unset and writes m followed by '\n'.
func (e *Encoder) Encode(m Message) error {
	line, err := Marshal(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(line)
	return err
}

// Marshal encodes m as a single newline-terminated line.
func Marshal(m Message) ([]byte, error) {
	if m.V == 0 {
		m.V = Version
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return append(b, '\n'), nil
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLine)
	return &Decoder{sc: sc}
}

// Decode returns the next message. Blank lines are skipped. A line that is
// not a valid envelope yields an error wrapping ErrMalformed; the decoder
// stays usable. io.EOF marks the end of the stream.
func (d *Decoder) Decode() (Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Unmarshal decodes a single line.
func Unmarshal(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}
