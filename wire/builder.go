package wire

// Builder encodes outgoing messages and numbers them. The counter starts at
// zero and wraps after 65535. The returned buffer is reused by the next call.
type Builder struct {
	next uint16
	buf  []byte
}

// Build assigns the next id to the payload and encodes it. The returned
// slice is only valid until the next call to Build.
func (b *Builder) Build(p Payload) (Message, []byte, error) {
	m := Message{ID: b.next, Payload: p}

	buf, err := AppendMessage(b.buf[:0], m)
	if err != nil {
		return m, nil, err
	}

	b.buf = buf
	b.next++ // wraps
	return m, buf, nil
}

// NextID returns the id the next built message will carry.
func (b *Builder) NextID() uint16 {
	return b.next
}
