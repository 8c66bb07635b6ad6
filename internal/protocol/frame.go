package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds a single framed message.
const DefaultMaxFrame = 16 << 20

// WriteFrame writes payload prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("frame of %d bytes too large", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. Frames larger than max are
// rejected without reading the body.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if max > 0 && size > max {
		return nil, Wrap(ErrProtocol, "protocol", "read frame", fmt.Sprintf("frame of %d bytes exceeds limit %d", size, max), nil)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
