package ccsds

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only CCSDS version number defined by the standard
const Version uint8 = 0

// PrimaryHeaderLength is the size of the primary header in bytes
const PrimaryHeaderLength int = 6

// MinDataLength is the smallest data field a packet can carry
const MinDataLength int = 1

// MinPacketLength is a primary header plus one data byte
const MinPacketLength uint32 = uint32(PrimaryHeaderLength + MinDataLength)

// MaxPacketLength is a length field of 0xFFFF plus MinPacketLength
const MaxPacketLength uint32 = 0xFFFF + MinPacketLength

var (
	ErrShortHeader          = errors.New("ccsds: short primary header")
	ErrPacketLengthTooSmall = errors.New("ccsds: packet length below minimum")
	ErrPacketLengthTooLarge = errors.New("ccsds: packet length above maximum")
)

// word masks
const (
	versionMask   uint16 = 0xE000
	typeMask      uint16 = 0x1000
	secHeaderMask uint16 = 0x0800
	apidMask      uint16 = 0x07FF
	seqFlagMask   uint16 = 0xC000
	seqCountMask  uint16 = 0x3FFF
)

// PacketType says whether a packet carries telemetry or a command
type PacketType uint8

// Packet types. PacketTypeUnknown is never produced by the 1 bit field but is
// returned when converting an arbitrary integer.
const (
	Telemetry PacketType = iota
	Command
	PacketTypeUnknown
)

// PacketTypeFromBits converts an integer to a PacketType
func PacketTypeFromBits(v uint8) PacketType {
	switch v {
	case 0:
		return Telemetry
	case 1:
		return Command
	}
	return PacketTypeUnknown
}

func (t PacketType) bits() uint16 {
	if t == Command {
		return 1
	}
	return 0
}

func (t PacketType) String() string {
	switch t {
	case Telemetry:
		return "telemetry"
	case Command:
		return "command"
	}
	return "unknown"
}

// SecondaryHeaderFlag says whether a secondary header follows the primary header
type SecondaryHeaderFlag uint8

// Secondary header flag values
const (
	SecondaryHeaderNotPresent SecondaryHeaderFlag = iota
	SecondaryHeaderPresent
	SecondaryHeaderUnknown
)

// SecondaryHeaderFlagFromBits converts an integer to a SecondaryHeaderFlag
func SecondaryHeaderFlagFromBits(v uint8) SecondaryHeaderFlag {
	switch v {
	case 0:
		return SecondaryHeaderNotPresent
	case 1:
		return SecondaryHeaderPresent
	}
	return SecondaryHeaderUnknown
}

func (f SecondaryHeaderFlag) bits() uint16 {
	if f == SecondaryHeaderPresent {
		return 1
	}
	return 0
}

func (f SecondaryHeaderFlag) String() string {
	switch f {
	case SecondaryHeaderNotPresent:
		return "not-present"
	case SecondaryHeaderPresent:
		return "present"
	}
	return "unknown"
}

// SequenceFlag tells how to interpret the sequence count.
// Most packets are Unsegmented, in which case the count simply increments.
type SequenceFlag uint8

// Sequence flag values
const (
	Continuation SequenceFlag = iota
	FirstSegment
	LastSegment
	Unsegmented
	SequenceFlagUnknown
)

// SequenceFlagFromBits converts an integer to a SequenceFlag
func SequenceFlagFromBits(v uint8) SequenceFlag {
	if v <= uint8(Unsegmented) {
		return SequenceFlag(v)
	}
	return SequenceFlagUnknown
}

func (f SequenceFlag) bits() uint16 {
	if f > Unsegmented {
		return 0
	}
	return uint16(f)
}

func (f SequenceFlag) String() string {
	switch f {
	case Continuation:
		return "continuation"
	case FirstSegment:
		return "first"
	case LastSegment:
		return "last"
	case Unsegmented:
		return "unsegmented"
	}
	return "unknown"
}

// PrimaryHeader is a copy of the three 16 bit words of a CCSDS primary header.
//
//	word0: version(3) type(1) secondary header(1) apid(11)
//	word1: sequence flag(2) sequence count(14)
//	word2: length field(16)
//
// Byte order only matters when converting to and from bytes; the bit positions
// within each word are fixed.
type PrimaryHeader struct {
	Control  uint16
	Sequence uint16
	Length   uint16
}

// NewPrimaryHeader decodes a header from exactly six bytes
func NewPrimaryHeader(b [6]byte, order binary.ByteOrder) PrimaryHeader {
	return PrimaryHeader{
		Control:  order.Uint16(b[0:2]),
		Sequence: order.Uint16(b[2:4]),
		Length:   order.Uint16(b[4:6]),
	}
}

// DecodeHeader decodes the first six bytes of b. Any bytes after the header are ignored.
func DecodeHeader(b []byte, order binary.ByteOrder) (PrimaryHeader, error) {
	if len(b) < PrimaryHeaderLength {
		return PrimaryHeader{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return NewPrimaryHeader([6]byte(b[:PrimaryHeaderLength]), order), nil
}

// Encode returns the six byte wire form of the header
func (h PrimaryHeader) Encode(order binary.ByteOrder) [6]byte {
	var b [6]byte
	order.PutUint16(b[0:2], h.Control)
	order.PutUint16(b[2:4], h.Sequence)
	order.PutUint16(b[4:6], h.Length)
	return b
}

// Put writes the header into the first six bytes of b
func (h PrimaryHeader) Put(b []byte, order binary.ByteOrder) error {
	if len(b) < PrimaryHeaderLength {
		return fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	enc := h.Encode(order)
	copy(b, enc[:])
	return nil
}

// Version returns the 3 bit version field
func (h PrimaryHeader) Version() uint8 {
	return uint8((h.Control & versionMask) >> 13)
}

// SetVersion sets the version field. Only the low 3 bits of v are used.
func (h *PrimaryHeader) SetVersion(v uint8) {
	h.Control = (h.Control &^ versionMask) | ((uint16(v) << 13) & versionMask)
}

// PacketType returns the packet type bit
func (h PrimaryHeader) PacketType() PacketType {
	return PacketTypeFromBits(uint8((h.Control & typeMask) >> 12))
}

// SetPacketType sets the packet type bit
func (h *PrimaryHeader) SetPacketType(t PacketType) {
	h.Control = (h.Control &^ typeMask) | (t.bits() << 12)
}

// SecondaryHeaderFlag returns the secondary header present bit
func (h PrimaryHeader) SecondaryHeaderFlag() SecondaryHeaderFlag {
	return SecondaryHeaderFlagFromBits(uint8((h.Control & secHeaderMask) >> 11))
}

// SetSecondaryHeaderFlag sets the secondary header present bit
func (h *PrimaryHeader) SetSecondaryHeaderFlag(f SecondaryHeaderFlag) {
	h.Control = (h.Control &^ secHeaderMask) | (f.bits() << 11)
}

// APID returns the 11 bit application process id
func (h PrimaryHeader) APID() uint16 {
	return h.Control & apidMask
}

// SetAPID sets the application process id. Only the low 11 bits are used.
func (h *PrimaryHeader) SetAPID(apid uint16) {
	h.Control = (h.Control &^ apidMask) | (apid & apidMask)
}

// SequenceFlag returns the 2 bit sequence flag
func (h PrimaryHeader) SequenceFlag() SequenceFlag {
	return SequenceFlagFromBits(uint8(h.Sequence >> 14))
}

// SetSequenceFlag sets the sequence flag
func (h *PrimaryHeader) SetSequenceFlag(f SequenceFlag) {
	h.Sequence = (h.Sequence &^ seqFlagMask) | (f.bits() << 14)
}

// SequenceCount returns the 14 bit sequence count
func (h PrimaryHeader) SequenceCount() uint16 {
	return h.Sequence & seqCountMask
}

// SetSequenceCount sets the sequence count. Only the low 14 bits are used.
func (h *PrimaryHeader) SetSequenceCount(count uint16) {
	h.Sequence = (h.Sequence &^ seqCountMask) | (count & seqCountMask)
}

// LengthField returns the raw length field, which is the data length - 1
func (h PrimaryHeader) LengthField() uint16 {
	return h.Length
}

// SetLengthField sets the raw length field
func (h *PrimaryHeader) SetLengthField(l uint16) {
	h.Length = l
}

// PacketLength is the total length of the packet in bytes, including the primary header.
// It is wider than the length field since a full packet can exceed 65535 bytes.
func (h PrimaryHeader) PacketLength() uint32 {
	return uint32(h.Length) + MinPacketLength
}

// DataLength is the length of everything after the primary header
func (h PrimaryHeader) DataLength() uint32 {
	return uint32(h.Length) + uint32(MinDataLength)
}

// SetPacketLength sets the length field from a total packet length
func (h *PrimaryHeader) SetPacketLength(total uint32) error {
	if total < MinPacketLength {
		return fmt.Errorf("%w: %d < %d", ErrPacketLengthTooSmall, total, MinPacketLength)
	}
	if total > MaxPacketLength {
		return fmt.Errorf("%w: %d > %d", ErrPacketLengthTooLarge, total, MaxPacketLength)
	}
	h.Length = uint16(total - MinPacketLength)
	return nil
}

func (h PrimaryHeader) String() string {
	return fmt.Sprintf("ver=%d type=%s sec=%s apid=%d seq=%s/%d len=%d",
		h.Version(), h.PacketType(), h.SecondaryHeaderFlag(), h.APID(),
		h.SequenceFlag(), h.SequenceCount(), h.LengthField())
}
