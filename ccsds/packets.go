package ccsds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrPartialPacket is returned when a stream ends with bytes that never formed a packet
var ErrPartialPacket = errors.New("ccsds: stream ends with partial packet")

// readChunk is how much is read from a stream at a time
const readChunk = 64 * 1024

// A Packet is one framed packet. Data may begin with a kept sync marker or header
// prefix; the primary header starts at the configured offset and is decoded in the
// configured byte order.
type Packet struct {
	Data   []byte
	offset int
	order  binary.ByteOrder
}

// NewPacket wraps a bare packet that starts with a big endian primary header
func NewPacket(data []byte) Packet {
	return Packet{Data: data, order: binary.BigEndian}
}

// Packet wraps data framed under c
func (c Config) Packet(data []byte) Packet {
	return Packet{Data: data, offset: c.PacketOffset(), order: c.ByteOrder()}
}

// Header decodes the packet's primary header
func (packet Packet) Header() (PrimaryHeader, error) {
	order := packet.order
	if order == nil {
		order = binary.BigEndian
	}
	if packet.offset > len(packet.Data) {
		return PrimaryHeader{}, fmt.Errorf("%w: %d bytes before offset %d", ErrShortHeader, len(packet.Data), packet.offset)
	}
	return DecodeHeader(packet.Data[packet.offset:], order)
}

// APID returns the CCSDS application ID from the header of a packet, or -1 if the packet is too short
func (packet Packet) APID() int {
	h, err := packet.Header()
	if err != nil {
		return -1
	}
	return int(h.APID())
}

// SequenceCount returns the CCSDS packet sequence counter, or -1 if the packet is too short
func (packet Packet) SequenceCount() int {
	h, err := packet.Header()
	if err != nil {
		return -1
	}
	return int(h.SequenceCount())
}

// Length returns the CCSDS packet length field from the header of a Packet.  This is
// packet data field length - 1 or the total packet length - 7.  It is -1 if the packet is too short
func (packet Packet) Length() int {
	h, err := packet.Header()
	if err != nil {
		return -1
	}
	return int(h.LengthField())
}

// A PacketReader frames packets out of an io.Reader
type PacketReader struct {
	stream io.Reader
	framer *Framer
	chunk  []byte
	err    error
}

// NewPacketReader returns a reader that feeds stream into framer
func NewPacketReader(stream io.Reader, framer *Framer) *PacketReader {
	return &PacketReader{stream: stream, framer: framer, chunk: make([]byte, readChunk)}
}

// Framer returns the framer the reader feeds
func (pr *PacketReader) Framer() *Framer {
	return pr.framer
}

// Next returns the next packet. It returns io.EOF when the stream is exhausted and
// ErrPartialPacket when the stream ended with leftover bytes. Packets are owned by the caller.
func (pr *PacketReader) Next() ([]byte, error) {
	for {
		if packet := pr.framer.Pull(); packet != nil {
			return packet, nil
		}
		if pr.err != nil {
			return pr.drain()
		}
		n, err := pr.stream.Read(pr.chunk)
		if n > 0 {
			pr.framer.Recv(pr.chunk[:n])
		}
		if err != nil {
			pr.err = err
		}
	}
}

// drain runs the framer to exhaustion once the stream has ended. No more bytes can
// arrive, so a head that waits for a longer packet is discarded a byte at a time.
func (pr *PacketReader) drain() ([]byte, error) {
	for {
		if packet := pr.framer.Pull(); packet != nil {
			return packet, nil
		}
		if pr.framer.Status() == NotEnoughBytesForHeader {
			break
		}
		pr.framer.Reject()
	}
	if pr.err != io.EOF {
		return nil, pr.err
	}
	if left := pr.framer.Buffered(); left > 0 {
		return nil, fmt.Errorf("%w: %d bytes left, %d bytes skipped", ErrPartialPacket, left, pr.framer.Skipped())
	}
	return nil, io.EOF
}

// ReadPacketsCallback reads from a byte stream, identifies CCSDS packet boundaries and passes each packet to a callback
func ReadPacketsCallback(stream io.Reader, config Config, callback func(p Packet)) error {
	framer, err := NewFramer(config)
	if err != nil {
		return err
	}
	return readPacketsInner(NewPacketReader(stream, framer), config, callback)
}

// ReadPacketsChannel reads from a byte stream, identifies CCSDS packet boundaries and passes each packet to a channel
func ReadPacketsChannel(stream io.Reader, config Config, channel chan<- Packet) error {
	return ReadPacketsCallback(stream, config, func(p Packet) { channel <- p })
}

func readPacketsInner(reader *PacketReader, config Config, callback func(p Packet)) error {
	for {
		packet, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		callback(config.Packet(packet))
	}
}

// A PacketIterator generates a sequence of packets, calling a function on each
type PacketIterator interface {
	Iterate(f func(p Packet)) error
}

// PacketFile is a binary file containing a sequence of CCSDS packets, framed as described by Config.
// It implements PacketIterator
type PacketFile struct {
	Filename string
	Config   Config
}

// Iterate reads a packet file, splits into packets and passes each packet to a callback.
// Each packet is a fresh slice, so the callback may keep it.
func (source PacketFile) Iterate(callback func(p Packet)) error {
	file, err := os.Open(source.Filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := ReadPacketsCallback(file, source.Config, callback); err != nil {
		return fmt.Errorf("%w: filename=%s", err, source.Filename)
	}
	return nil
}
