package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Connect protocol streaming envelopes: one flag byte, a big-endian uint32
// length, then the message.
const (
	envelopeHeaderSize = 5
	flagEndStream      = 0x02
	maxEnvelopeSize    = 4 << 20
)

func writeEnvelope(w io.Writer, flags byte, msg []byte) error {
	var header [envelopeHeaderSize]byte
	header[0] = flags
	binary.BigEndian.PutUint32(header[1:], uint32(len(msg)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readEnvelope returns the next envelope. io.EOF is returned only at a clean
// boundary.
func readEnvelope(r io.Reader) (byte, []byte, error) {
	var header [envelopeHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("truncated envelope header: %w", err)
		}
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxEnvelopeSize {
		return 0, nil, fmt.Errorf("envelope of %d bytes exceeds limit", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, fmt.Errorf("truncated envelope: %w", err)
	}
	return header[0], msg, nil
}
