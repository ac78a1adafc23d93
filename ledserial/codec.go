package ledserial

import (
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// Encoder writes packets to a stream. Each packet is written with a single
// call to Write.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteHostPacket writes a packet for the controller.
func (e *Encoder) WriteHostPacket(p HostPacket) error {
	buf := append(e.buf[:0], byte(p.Type()))

	switch p := p.(type) {
	case InitializePacket:
		buf = Endianness.AppendUint16(buf, p.NumLEDs)
	case ClearPacket:
	case FramePacket:
		buf = append(buf, p.Pix...)
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	return e.flush(buf)
}

// WriteDevicePacket writes a packet for the host.
func (e *Encoder) WriteDevicePacket(p DevicePacket) error {
	buf := append(e.buf[:0], byte(p.Type()))

	var msg string
	switch p := p.(type) {
	case AckPacket:
		buf = append(buf, byte(p.For))
		return e.flush(buf)
	case ErrorPacket:
		msg = p.Message
	case PanicPacket:
		msg = p.Message
	case LogPacket:
		msg = p.Message
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	if len(msg) > math.MaxUint16 {
		msg = msg[:math.MaxUint16]
	}
	buf = Endianness.AppendUint16(buf, uint16(len(msg)))
	buf = append(buf, msg...)

	return e.flush(buf)
}

func (e *Encoder) flush(buf []byte) error {
	buf = Endianness.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	e.buf = buf

	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// Decoder reads packets from a stream.
type Decoder struct {
	r    io.Reader
	hash hashingReader

	// NumLEDs is the strip length used to size frame packets. Reading an
	// InitializePacket updates it.
	NumLEDs uint16
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadHostPacket reads a packet sent by the host.
func (d *Decoder) ReadHostPacket() (HostPacket, error) {
	d.hash.reset(d.r)

	ptype, err := d.hash.readByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read host packet type: %w", err)
	}

	var packet HostPacket

	switch t := HostPacketType(ptype); t {
	case TypeInitializePacket:
		n, err := d.hash.readUint16()
		if err != nil {
			return nil, fmt.Errorf("failed to read number of LEDs: %w", err)
		}
		packet = InitializePacket{NumLEDs: n}

	case TypeClearPacket:
		packet = ClearPacket{}

	case TypeFramePacket:
		if d.NumLEDs == 0 {
			return nil, ErrNotInitialized
		}
		pix := make([]uint8, 3*int(d.NumLEDs))
		if err := d.hash.readFull(pix); err != nil {
			return nil, fmt.Errorf("failed to read pixel data: %w", err)
		}
		packet = FramePacket{Pix: pix}

	default:
		return nil, fmt.Errorf("unknown packet type: %s", t)
	}

	if err := d.verify(); err != nil {
		return nil, err
	}

	if p, ok := packet.(InitializePacket); ok {
		d.NumLEDs = p.NumLEDs
	}

	return packet, nil
}

// ReadDevicePacket reads a packet sent by the controller.
func (d *Decoder) ReadDevicePacket() (DevicePacket, error) {
	d.hash.reset(d.r)

	ptype, err := d.hash.readByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read device packet type: %w", err)
	}

	var packet DevicePacket

	switch t := DevicePacketType(ptype); t {
	case TypeAckPacket:
		acked, err := d.hash.readByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read acked packet type: %w", err)
		}
		packet = AckPacket{For: HostPacketType(acked)}

	case TypeErrorPacket, TypePanicPacket, TypeLogPacket:
		msg, err := d.readMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s message: %w", t, err)
		}
		switch t {
		case TypeErrorPacket:
			packet = ErrorPacket{Message: msg}
		case TypePanicPacket:
			packet = PanicPacket{Message: msg}
		default:
			packet = LogPacket{Message: msg}
		}

	default:
		return nil, fmt.Errorf("unknown packet type: %s", t)
	}

	if err := d.verify(); err != nil {
		return nil, err
	}

	return packet, nil
}

func (d *Decoder) readMessage() (string, error) {
	length, err := d.hash.readUint16()
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if err := d.hash.readFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *Decoder) verify() error {
	sum := d.hash.sum()

	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return fmt.Errorf("failed to read packet checksum: %w", err)
	}
	if Endianness.Uint32(b[:]) != sum {
		return ErrChecksum
	}
	return nil
}

// hashingReader reads from a stream while updating a running CRC32.
type hashingReader struct {
	r   io.Reader
	crc uint32
	buf [2]byte
}

func (h *hashingReader) reset(r io.Reader) {
	h.r = r
	h.crc = 0
}

func (h *hashingReader) readFull(b []byte) error {
	if _, err := io.ReadFull(h.r, b); err != nil {
		return err
	}
	h.crc = crc32.Update(h.crc, crc32.IEEETable, b)
	return nil
}

func (h *hashingReader) readByte() (byte, error) {
	if err := h.readFull(h.buf[:1]); err != nil {
		return 0, err
	}
	return h.buf[0], nil
}

func (h *hashingReader) readUint16() (uint16, error) {
	if err := h.readFull(h.buf[:2]); err != nil {
		return 0, err
	}
	return Endianness.Uint16(h.buf[:2]), nil
}

func (h *hashingReader) sum() uint32 {
	return h.crc
}
