package wire

import (
	"encoding/json"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned by Decoder.Next when a single JSON
// value consumed more than the configured maximum.
var ErrFrameTooLarge = errors.New("rpcswitch: frame exceeds maximum size")

// Decoder reads successive JSON-RPC messages off a byte stream. The
// wire format is "one complete JSON object per logical frame"; since
// encoding/json already knows how to find the end of one value in a
// stream of concatenated values, newline-framing and length-framing
// are both just specific byte layouts of the same thing and need no
// separate support here.
type Decoder struct {
	dec      *json.Decoder
	maxFrame int64
}

// NewDecoder wraps r. maxFrame <= 0 means unlimited.
func NewDecoder(r io.Reader, maxFrame int64) *Decoder {
	return &Decoder{dec: json.NewDecoder(r), maxFrame: maxFrame}
}

// Next reads and returns the next message, or the underlying error
// (typically io.EOF on a clean disconnect) when none remains.
func (d *Decoder) Next() (*Message, error) {
	start := d.dec.InputOffset()

	var m Message
	if err := d.dec.Decode(&m); err != nil {
		return nil, err
	}

	if d.maxFrame > 0 && d.dec.InputOffset()-start > d.maxFrame {
		return nil, ErrFrameTooLarge
	}
	return &m, nil
}
