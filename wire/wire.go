// Package wire implements the atolla datagram message format.
//
// Every message is laid out as
//
//	[type:1][id:2 LE][payload length:2 LE][payload]
//
// and a datagram carries zero or more messages back to back.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Endianness defines the endianness of the protocol.
var Endianness = binary.LittleEndian

// HeaderSize is the size of the fixed message header in bytes.
const HeaderSize = 5

// MaxPayloadSize is the largest payload a message length field can describe.
const MaxPayloadSize = 0xFFFF

var (
	// ErrUnknownType is matched by errors from messages with a type outside
	// of the known set.
	ErrUnknownType = errors.New("unknown message type")
	// ErrTruncated is returned when a buffer ends in the middle of a message.
	ErrTruncated = errors.New("truncated message")
	// ErrMalformed is returned when a payload does not fit its message type.
	ErrMalformed = errors.New("malformed message")
	// ErrPayloadTooLarge is returned when encoding a payload whose length does
	// not fit in 16 bits.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Type is the type of a message.
type Type uint8

const (
	TypeBorrow  Type = 0
	TypeLent    Type = 1
	TypeEnqueue Type = 2
	TypeFail    Type = 255
)

// String returns a string representation of the message type.
func (t Type) String() string {
	switch t {
	case TypeBorrow:
		return "borrow"
	case TypeLent:
		return "lent"
	case TypeEnqueue:
		return "enqueue"
	case TypeFail:
		return "fail"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// UnknownTypeError is returned when decoding a message of an unknown type.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %d", uint8(e.Type))
}

// Is makes UnknownTypeError match ErrUnknownType.
func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// ErrorCode is the reason carried by a Fail message.
type ErrorCode uint8

const (
	// ErrorCodeNotBorrowed means the sink is not currently lent to the sender.
	ErrorCodeNotBorrowed ErrorCode = 1
	// ErrorCodeRequestedBufferTooLarge means the sink cannot hold a frame
	// buffer of the requested length.
	ErrorCodeRequestedBufferTooLarge ErrorCode = 2
	// ErrorCodeRequestedFrameDurationTooShort means the sink cannot display
	// frames as fast as requested.
	ErrorCodeRequestedFrameDurationTooShort ErrorCode = 3
	// ErrorCodeMalformedRequest means the sink rejected a request with
	// invalid parameters.
	ErrorCodeMalformedRequest ErrorCode = 4
)

// String returns a string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNotBorrowed:
		return "not-borrowed"
	case ErrorCodeRequestedBufferTooLarge:
		return "requested-buffer-too-large"
	case ErrorCodeRequestedFrameDurationTooShort:
		return "requested-frame-duration-too-short"
	case ErrorCodeMalformedRequest:
		return "malformed-request"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// Payload is the type-specific body of a message.
type Payload interface {
	// Type returns the type of message.
	Type() Type
}

// Borrow asks a sink to start displaying frames from the sender.
type Borrow struct {
	// FrameDuration is the display time of a frame in milliseconds.
	FrameDuration uint8
	// BufferLength is the number of frames the sink should buffer.
	BufferLength uint8
}

// Lent acknowledges a borrow. Sinks repeat it as a keep-alive.
type Lent struct{}

// Enqueue carries one frame of pixel data.
type Enqueue struct {
	// FrameIndex identifies the buffer slot, modulo the buffer length.
	FrameIndex uint8
	// Pixels holds RGB triplets.
	Pixels []byte
}

// Fail reports an unrecoverable error.
type Fail struct {
	// CausingID is the id of the message that caused the error.
	CausingID uint16
	Code      ErrorCode
}

func (p Borrow) Type() Type  { return TypeBorrow }
func (p Lent) Type() Type    { return TypeLent }
func (p Enqueue) Type() Type { return TypeEnqueue }
func (p Fail) Type() Type    { return TypeFail }

// Message is a single protocol message.
type Message struct {
	// ID is the sequence number assigned by the sender.
	ID      uint16
	Payload Payload
}

// Type returns the type of the message payload.
func (m Message) Type() Type {
	return m.Payload.Type()
}

func payloadSize(p Payload) (int, error) {
	switch p := p.(type) {
	case Borrow:
		return 2, nil
	case Lent:
		return 0, nil
	case Enqueue:
		return 1 + len(p.Pixels), nil
	case Fail:
		return 3, nil
	default:
		return 0, fmt.Errorf("unknown payload type: %T", p)
	}
}

// AppendMessage appends the encoded message to dst.
func AppendMessage(dst []byte, m Message) ([]byte, error) {
	size, err := payloadSize(m.Payload)
	if err != nil {
		return dst, err
	}
	if size > MaxPayloadSize {
		return dst, fmt.Errorf("%s payload of %d bytes: %w", m.Type(), size, ErrPayloadTooLarge)
	}

	dst = append(dst, byte(m.Type()))
	dst = Endianness.AppendUint16(dst, m.ID)
	dst = Endianness.AppendUint16(dst, uint16(size))

	switch p := m.Payload.(type) {
	case Borrow:
		dst = append(dst, p.FrameDuration, p.BufferLength)
	case Lent:
	case Enqueue:
		dst = append(dst, p.FrameIndex)
		dst = append(dst, p.Pixels...)
	case Fail:
		dst = Endianness.AppendUint16(dst, p.CausingID)
		dst = append(dst, byte(p.Code))
	}

	return dst, nil
}

// Encode encodes a single message into a new buffer.
func Encode(m Message) ([]byte, error) {
	size, err := payloadSize(m.Payload)
	if err != nil {
		return nil, err
	}
	return AppendMessage(make([]byte, 0, HeaderSize+size), m)
}

func decodePayload(t Type, b []byte) (Payload, error) {
	switch t {
	case TypeBorrow:
		if len(b) != 2 {
			return nil, fmt.Errorf("borrow payload of %d bytes: %w", len(b), ErrMalformed)
		}
		return Borrow{FrameDuration: b[0], BufferLength: b[1]}, nil

	case TypeLent:
		if len(b) != 0 {
			return nil, fmt.Errorf("lent payload of %d bytes: %w", len(b), ErrMalformed)
		}
		return Lent{}, nil

	case TypeEnqueue:
		if len(b) < 1 {
			return nil, fmt.Errorf("enqueue without frame index: %w", ErrMalformed)
		}
		return Enqueue{FrameIndex: b[0], Pixels: b[1:len(b):len(b)]}, nil

	case TypeFail:
		if len(b) != 3 {
			return nil, fmt.Errorf("fail payload of %d bytes: %w", len(b), ErrMalformed)
		}
		return Fail{
			CausingID: Endianness.Uint16(b[0:2]),
			Code:      ErrorCode(b[2]),
		}, nil

	default:
		return nil, &UnknownTypeError{Type: t}
	}
}
