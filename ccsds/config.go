package ccsds

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// MaxAPID is the largest value an 11 bit APID can hold
const MaxAPID uint16 = 0x7FF

var ErrInvalidConfig = errors.New("ccsds: invalid framer config")

// Validator is an extra check on a candidate packet, such as a CRC the framer can't compute itself.
// The candidate runs from the first sync byte through the last footer byte.
// Implementations must not modify or retain the slice.
type Validator interface {
	Validate(candidate []byte) bool
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(candidate []byte) bool

// Validate calls f(candidate)
func (f ValidatorFunc) Validate(candidate []byte) bool {
	return f(candidate)
}

// Config describes how packets are laid out in a byte stream and which packets are acceptable.
// A Framer takes a copy of its Config when it is created.
type Config struct {
	// AllowedAPIDs is nil to accept any APID. A non-nil empty list accepts nothing.
	AllowedAPIDs []uint16

	// Inclusive bounds on the total packet length. Zero means unbounded.
	MaxPacketLength uint32
	MinPacketLength uint32

	SecondaryHeaderRequired bool

	// SyncBytes must appear immediately before each packet (and before any prefix)
	SyncBytes []byte
	KeepSync  bool

	// NumHeaderBytes is a fixed, non-CCSDS prefix between the sync and the primary header
	NumHeaderBytes uint32
	KeepHeader     bool

	// NumFooterBytes is a fixed trailer after the packet data, such as an external CRC
	NumFooterBytes uint32
	KeepFooter     bool

	LittleEndianHeader bool

	Validator Validator
}

// DefaultConfig accepts any well formed big endian packet with no framing around it
func DefaultConfig() Config {
	return Config{}
}

// ByteOrder returns the byte order used to read primary headers
func (c Config) ByteOrder() binary.ByteOrder {
	if c.LittleEndianHeader {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Validate checks that the configuration can describe a real packet
func (c Config) Validate() error {
	for _, apid := range c.AllowedAPIDs {
		if apid > MaxAPID {
			return fmt.Errorf("%w: apid %d exceeds %d", ErrInvalidConfig, apid, MaxAPID)
		}
	}
	if c.MaxPacketLength != 0 && (c.MaxPacketLength < MinPacketLength || c.MaxPacketLength > MaxPacketLength) {
		return fmt.Errorf("%w: max packet length %d outside %d..%d", ErrInvalidConfig, c.MaxPacketLength, MinPacketLength, MaxPacketLength)
	}
	if c.MinPacketLength > MaxPacketLength {
		return fmt.Errorf("%w: min packet length %d exceeds %d", ErrInvalidConfig, c.MinPacketLength, MaxPacketLength)
	}
	if c.MaxPacketLength != 0 && c.MinPacketLength > c.MaxPacketLength {
		return fmt.Errorf("%w: min packet length %d exceeds max %d", ErrInvalidConfig, c.MinPacketLength, c.MaxPacketLength)
	}
	return nil
}

// framingLength is the number of bytes around the CCSDS packet itself
func (c Config) framingLength() int {
	return len(c.SyncBytes) + int(c.NumHeaderBytes) + int(c.NumFooterBytes)
}

// PacketOffset is where the primary header starts within a packet returned by a Framer
func (c Config) PacketOffset() int {
	offset := 0
	if c.KeepSync {
		offset += len(c.SyncBytes)
	}
	if c.KeepHeader {
		offset += int(c.NumHeaderBytes)
	}
	return offset
}

func (c Config) clone() Config {
	out := c
	if c.AllowedAPIDs != nil {
		out.AllowedAPIDs = append(make([]uint16, 0, len(c.AllowedAPIDs)), c.AllowedAPIDs...)
	}
	if c.SyncBytes != nil {
		out.SyncBytes = append(make([]byte, 0, len(c.SyncBytes)), c.SyncBytes...)
	}
	return out
}

// fileConfig is the on-disk form of a Config
type fileConfig struct {
	AllowedAPIDs            []uint16 `toml:"allowed_apids"`
	MaxPacketLength         uint32   `toml:"max_packet_length"`
	MinPacketLength         uint32   `toml:"min_packet_length"`
	SecondaryHeaderRequired bool     `toml:"secondary_header_required"`
	Sync                    string   `toml:"sync"`
	KeepSync                bool     `toml:"keep_sync"`
	NumHeaderBytes          uint32   `toml:"num_header_bytes"`
	KeepHeader              bool     `toml:"keep_header"`
	NumFooterBytes          uint32   `toml:"num_footer_bytes"`
	KeepFooter              bool     `toml:"keep_footer"`
	LittleEndianHeader      bool     `toml:"little_endian_header"`
}

// LoadConfig reads a TOML framer configuration. The sync marker is written as hex, e.g. sync = "EB90".
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a TOML framer configuration
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	sync, err := ParseSync(fc.Sync)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		MaxPacketLength:         fc.MaxPacketLength,
		MinPacketLength:         fc.MinPacketLength,
		SecondaryHeaderRequired: fc.SecondaryHeaderRequired,
		SyncBytes:               sync,
		KeepSync:                fc.KeepSync,
		NumHeaderBytes:          fc.NumHeaderBytes,
		KeepHeader:              fc.KeepHeader,
		NumFooterBytes:          fc.NumFooterBytes,
		KeepFooter:              fc.KeepFooter,
		LittleEndianHeader:      fc.LittleEndianHeader,
	}
	if md.IsDefined("allowed_apids") {
		cfg.AllowedAPIDs = append([]uint16{}, fc.AllowedAPIDs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseSync decodes a hex sync marker such as "EB90" or "0xEB 0x90"
func ParseSync(s string) ([]byte, error) {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: sync %q: %v", ErrInvalidConfig, s, err)
	}
	return b, nil
}
