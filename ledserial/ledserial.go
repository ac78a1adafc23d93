// Package ledserial implements the serial protocol spoken between a sink host
// and the microcontroller driving its LED strip.
//
// Every packet is laid out as
//
//	[type:1][body][crc32:4 LE]
//
// where the checksum is the IEEE CRC32 of the type and body. Host packets
// flow to the controller, which answers every one of them with an Ack or an
// Error packet.
package ledserial

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Endianness defines the endianness of the protocol.
var Endianness = binary.LittleEndian

// ErrChecksum is returned when a packet fails its checksum.
var ErrChecksum = errors.New("packet checksum mismatch")

// ErrNotInitialized is returned when reading a frame before the number of
// LEDs is known.
var ErrNotInitialized = errors.New("strip not initialized")

// HostPacketType is the type of a packet sent to the controller.
type HostPacketType uint8

const (
	TypeInitializePacket HostPacketType = iota
	TypeClearPacket
	TypeFramePacket
)

// String returns a string representation of the packet type.
func (t HostPacketType) String() string {
	switch t {
	case TypeInitializePacket:
		return "initialize"
	case TypeClearPacket:
		return "clear"
	case TypeFramePacket:
		return "frame"
	default:
		return fmt.Sprintf("HostPacketType(%d)", uint8(t))
	}
}

// HostPacket is a packet sent by the host.
type HostPacket interface {
	// Type returns the type of packet.
	Type() HostPacketType
}

// InitializePacket sets the length of the LED strip.
type InitializePacket struct {
	NumLEDs uint16
}

// ClearPacket turns every LED off.
type ClearPacket struct{}

// FramePacket sets every LED of the strip. Pix holds NumLEDs RGB triplets.
type FramePacket struct {
	Pix []uint8
}

func (p InitializePacket) Type() HostPacketType { return TypeInitializePacket }
func (p ClearPacket) Type() HostPacketType      { return TypeClearPacket }
func (p FramePacket) Type() HostPacketType      { return TypeFramePacket }

// DevicePacketType is the type of a packet sent by the controller.
type DevicePacketType uint8

const (
	TypeAckPacket DevicePacketType = iota
	TypeErrorPacket
	TypePanicPacket
	TypeLogPacket
)

// String returns a string representation of the packet type.
func (t DevicePacketType) String() string {
	switch t {
	case TypeAckPacket:
		return "ack"
	case TypeErrorPacket:
		return "error"
	case TypePanicPacket:
		return "panic"
	case TypeLogPacket:
		return "log"
	default:
		return fmt.Sprintf("DevicePacketType(%d)", uint8(t))
	}
}

// DevicePacket is a packet sent by the controller.
type DevicePacket interface {
	// Type returns the type of packet.
	Type() DevicePacketType
}

// AckPacket confirms that a host packet was applied.
type AckPacket struct {
	For HostPacketType
}

// ErrorPacket reports that a host packet could not be applied.
type ErrorPacket struct {
	Message string
}

// PanicPacket indicates the controller cannot recover.
type PanicPacket struct {
	Message string
}

// LogPacket carries a log line from the controller.
type LogPacket struct {
	Message string
}

func (p AckPacket) Type() DevicePacketType   { return TypeAckPacket }
func (p ErrorPacket) Type() DevicePacketType { return TypeErrorPacket }
func (p PanicPacket) Type() DevicePacketType { return TypePanicPacket }
func (p LogPacket) Type() DevicePacketType   { return TypeLogPacket }
