package ccsds

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
)

// Status classifies the bytes at the head of a Framer's buffer
type Status int

// Statuses in the order they are checked. Only NotEnoughBytesForHeader and
// NotEnoughBytesForPacket can be cured by receiving more bytes; every other
// non-valid status means the head of the buffer has to be discarded.
const (
	ValidPacket Status = iota
	NotEnoughBytesForHeader
	SyncNotFound
	ExceedsMaxPacketLength
	BelowMinPacketLength
	NotEnoughBytesForPacket
	InvalidVersion
	SecondaryHeaderInvalid
	ValidationFailed
	APIDNotAllowed
)

var statusNames = [...]string{
	ValidPacket:             "valid-packet",
	NotEnoughBytesForHeader: "not-enough-bytes-for-header",
	SyncNotFound:            "sync-not-found",
	ExceedsMaxPacketLength:  "exceeds-max-packet-length",
	BelowMinPacketLength:    "below-min-packet-length",
	NotEnoughBytesForPacket: "not-enough-bytes-for-packet",
	InvalidVersion:          "invalid-version",
	SecondaryHeaderInvalid:  "secondary-header-invalid",
	ValidationFailed:        "validation-failed",
	APIDNotAllowed:          "apid-not-allowed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// NeedsMoreData is true when the status may change once more bytes arrive
func (s Status) NeedsMoreData() bool {
	return s == NotEnoughBytesForHeader || s == NotEnoughBytesForPacket
}

// A Framer extracts CCSDS packets from an accumulating byte buffer.
//
// Bytes are pushed in with Recv or Write and packets are taken out with Pull or Next.
// When the head of the buffer can't be a packet, the framer discards one byte at a
// time until it finds one, counting the discarded bytes in Skipped.
//
// A Framer has no internal locking. Callers that feed and drain it from different
// goroutines must serialize access themselves.
type Framer struct {
	buf        []byte
	config     Config
	order      binary.ByteOrder
	allowed    map[uint16]struct{} // nil accepts any apid
	skipped    uint64
	pulled     uint64
	reachedEnd bool
	log        zerolog.Logger
}

// NewFramer returns an empty framer using a copy of config
func NewFramer(config Config) (*Framer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	f := &Framer{
		config: config.clone(),
		order:  config.ByteOrder(),
		log:    zerolog.Nop(),
	}
	if config.AllowedAPIDs != nil {
		f.allowed = make(map[uint16]struct{}, len(config.AllowedAPIDs))
		for _, apid := range config.AllowedAPIDs {
			f.allowed[apid] = struct{}{}
		}
	}
	return f, nil
}

// SetLogger sets where resynchronization is reported (at debug level)
func (f *Framer) SetLogger(log zerolog.Logger) {
	f.log = log
}

// Config returns a copy of the framer's configuration
func (f *Framer) Config() Config {
	return f.config.clone()
}

// AllowAPID adds an APID to the allowed list, creating the list if the framer accepted any APID before
func (f *Framer) AllowAPID(apid uint16) {
	apid &= MaxAPID
	if f.allowed == nil {
		f.allowed = make(map[uint16]struct{})
		f.config.AllowedAPIDs = []uint16{}
	}
	if _, ok := f.allowed[apid]; ok {
		return
	}
	f.allowed[apid] = struct{}{}
	f.config.AllowedAPIDs = append(f.config.AllowedAPIDs, apid)
}

// SetValidator replaces the validation check. A nil validator disables it.
func (f *Framer) SetValidator(v Validator) {
	f.config.Validator = v
}

// Recv appends bytes to the buffer
func (f *Framer) Recv(data []byte) {
	f.buf = append(f.buf, data...)
	f.reachedEnd = false
}

// Write appends p to the buffer. It never fails, so a Framer can be the target of io.Copy.
func (f *Framer) Write(p []byte) (int, error) {
	f.Recv(p)
	return len(p), nil
}

// Buffered returns the number of bytes waiting in the buffer
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Skipped returns the number of bytes discarded while resynchronizing
func (f *Framer) Skipped() uint64 {
	return f.skipped
}

// Pulled returns the number of packets extracted so far
func (f *Framer) Pulled() uint64 {
	return f.pulled
}

// minLength is the least number of bytes that could hold a framed packet
func (f *Framer) minLength() int {
	return f.config.framingLength() + int(MinPacketLength)
}

// fullLength is the number of bytes from the sync through the footer for a given header
func (f *Framer) fullLength(h PrimaryHeader) int {
	return f.config.framingLength() + int(h.PacketLength())
}

// CurrentHeader decodes the primary header at the head of the buffer, after any sync and prefix
func (f *Framer) CurrentHeader() (PrimaryHeader, bool) {
	if len(f.buf) < f.minLength() {
		return PrimaryHeader{}, false
	}
	start := len(f.config.SyncBytes) + int(f.config.NumHeaderBytes)
	h, err := DecodeHeader(f.buf[start:], f.order)
	if err != nil {
		return PrimaryHeader{}, false
	}
	return h, true
}

// Status classifies the head of the buffer
func (f *Framer) Status() Status {
	h, ok := f.CurrentHeader()
	if !ok {
		return NotEnoughBytesForHeader
	}

	if len(f.config.SyncBytes) > 0 && !bytes.HasPrefix(f.buf, f.config.SyncBytes) {
		return SyncNotFound
	}

	length := h.PacketLength()
	if f.config.MaxPacketLength != 0 && length > f.config.MaxPacketLength {
		return ExceedsMaxPacketLength
	}
	if f.config.MinPacketLength != 0 && length < f.config.MinPacketLength {
		return BelowMinPacketLength
	}

	full := f.fullLength(h)
	if len(f.buf) < full {
		return NotEnoughBytesForPacket
	}

	if h.Version() != Version {
		return InvalidVersion
	}

	if f.config.SecondaryHeaderRequired && h.SecondaryHeaderFlag() != SecondaryHeaderPresent {
		return SecondaryHeaderInvalid
	}

	if f.config.Validator != nil && !f.config.Validator.Validate(f.buf[:full:full]) {
		return ValidationFailed
	}

	if f.allowed != nil {
		if _, ok := f.allowed[h.APID()]; !ok {
			return APIDNotAllowed
		}
	}

	return ValidPacket
}

// Reject discards the byte at the head of the buffer. Callers use it when a packet
// returned by Pull fails a check the framer doesn't know about.
func (f *Framer) Reject() {
	if len(f.buf) == 0 {
		return
	}
	f.advance(1)
	f.skipped++
}

func (f *Framer) advance(n int) {
	if n > len(f.buf) {
		n = len(f.buf)
	}
	f.buf = f.buf[n:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
}

// Pull removes and returns the next packet, or nil if more bytes are needed.
// Garbage in front of the packet is discarded a byte at a time. The returned
// slice is owned by the caller.
//
// Garbage that looks like the header of a long packet can hold up extraction until
// enough bytes arrive to rule it out.
func (f *Framer) Pull() []byte {
	status := f.Status()
	discarded := 0
	for status != ValidPacket {
		if status.NeedsMoreData() {
			f.logResync(discarded, status)
			return nil
		}
		if discarded == 0 {
			f.log.Debug().Stringer("status", status).Int("buffered", len(f.buf)).Msg("resynchronizing")
		}
		f.Reject()
		discarded++
		status = f.Status()
	}
	f.logResync(discarded, status)

	h, _ := f.CurrentHeader()
	syncLen := len(f.config.SyncBytes)
	prefixLen := int(f.config.NumHeaderBytes)
	footerLen := int(f.config.NumFooterBytes)
	packetLen := int(h.PacketLength())

	n := packetLen
	if f.config.KeepSync {
		n += syncLen
	}
	if f.config.KeepHeader {
		n += prefixLen
	}
	if f.config.KeepFooter {
		n += footerLen
	}

	packet := make([]byte, 0, n)
	pos := 0
	if f.config.KeepSync {
		packet = append(packet, f.buf[pos:pos+syncLen]...)
	}
	pos += syncLen
	if f.config.KeepHeader {
		packet = append(packet, f.buf[pos:pos+prefixLen]...)
	}
	pos += prefixLen
	packet = append(packet, f.buf[pos:pos+packetLen]...)
	pos += packetLen
	// the footer is always in the buffer; the flag only decides whether it is returned
	if f.config.KeepFooter {
		packet = append(packet, f.buf[pos:pos+footerLen]...)
	}
	pos += footerLen

	f.advance(pos)
	f.pulled++
	return packet
}

func (f *Framer) logResync(discarded int, status Status) {
	if discarded == 0 {
		return
	}
	f.log.Debug().Int("discarded", discarded).Uint64("skipped", f.skipped).Stringer("status", status).Msg("resynchronized")
}

// Next is Pull for callers draining a finished input. When Pull finds nothing but
// the buffer still holds enough bytes for a header, the head is assumed to be garbage
// claiming a long packet: one byte is discarded and Pull is tried again. Once Next
// comes up empty it keeps returning false until more bytes are received.
func (f *Framer) Next() ([]byte, bool) {
	if f.reachedEnd {
		return nil, false
	}
	if packet := f.Pull(); packet != nil {
		return packet, true
	}
	if f.Status() != NotEnoughBytesForHeader {
		f.Reject()
		if packet := f.Pull(); packet != nil {
			return packet, true
		}
	}
	f.reachedEnd = true
	return nil, false
}

// All yields packets from Next until it is exhausted
func (f *Framer) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			packet, ok := f.Next()
			if !ok || !yield(packet) {
				return
			}
		}
	}
}
