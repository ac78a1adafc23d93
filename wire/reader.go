package wire

import "fmt"

// Reader iterates over the messages in a received datagram. It never
// modifies the buffer; Enqueue pixels returned by Message alias it.
//
//	r := wire.NewReader(buf)
//	for r.Next() {
//		handle(r.Message())
//	}
//	if err := r.Err(); err != nil {
//		...
//	}
type Reader struct {
	buf []byte
	off int
	msg Message
	err error
}

// NewReader creates a reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next advances to the next message. It returns false at the end of the
// buffer or on the first error.
func (r *Reader) Next() bool {
	if r.err != nil || r.off >= len(r.buf) {
		return false
	}

	rest := r.buf[r.off:]
	if len(rest) < HeaderSize {
		r.err = fmt.Errorf("%d trailing bytes: %w", len(rest), ErrTruncated)
		return false
	}

	t := Type(rest[0])
	id := Endianness.Uint16(rest[1:3])
	size := int(Endianness.Uint16(rest[3:5]))

	if len(rest) < HeaderSize+size {
		r.err = fmt.Errorf("%s message %d wants %d payload bytes, %d left: %w",
			t, id, size, len(rest)-HeaderSize, ErrTruncated)
		return false
	}

	p, err := decodePayload(t, rest[HeaderSize:HeaderSize+size])
	if err != nil {
		r.err = fmt.Errorf("message %d: %w", id, err)
		return false
	}

	r.msg = Message{ID: id, Payload: p}
	r.off += HeaderSize + size
	return true
}

// Message returns the message Next advanced to.
func (r *Reader) Message() Message {
	return r.msg
}

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error {
	return r.err
}

// DecodeAll decodes every message in buf. Messages decoded before an error
// are returned along with it.
func DecodeAll(buf []byte) ([]Message, error) {
	var msgs []Message

	r := NewReader(buf)
	for r.Next() {
		msgs = append(msgs, r.Message())
	}

	return msgs, r.Err()
}
