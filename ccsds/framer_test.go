package ccsds

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// minimal valid packet: apid 3, length field 1, packet length 8
var minimalPacket = []byte{0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF}

func newTestFramer(t *testing.T, config Config) *Framer {
	t.Helper()
	f, err := NewFramer(config)
	if err != nil {
		t.Fatalf("new framer: %v", err)
	}
	return f
}

func TestFramerTooFewBytes(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv([]byte{0, 0, 0})

	if p := f.Pull(); p != nil {
		t.Errorf("expected no packet, got %x", p)
	}
	if s := f.Status(); s != NotEnoughBytesForHeader {
		t.Errorf("expected %v, got %v", NotEnoughBytesForHeader, s)
	}
	if f.Buffered() != 3 || f.Skipped() != 0 {
		t.Errorf("insufficient data must not be discarded: buffered=%d skipped=%d", f.Buffered(), f.Skipped())
	}
}

func TestFramerMinimalPacket(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv(minimalPacket)

	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v, got %v", ValidPacket, s)
	}
	h, ok := f.CurrentHeader()
	if !ok || h.Version() != 0 || h.LengthField() != 1 || h.PacketLength() != 8 {
		t.Errorf("unexpected header %v", h)
	}
	if p := f.Pull(); !bytes.Equal(p, minimalPacket) {
		t.Errorf("expected %x, got %x", minimalPacket, p)
	}
	if _, ok := f.CurrentHeader(); ok {
		t.Errorf("expected no header in an empty buffer")
	}
}

func TestFramerAllFF(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv(bytes.Repeat([]byte{0xFF}, 80000))

	if s := f.Status(); s != InvalidVersion {
		t.Errorf("expected %v, got %v", InvalidVersion, s)
	}
	if p := f.Pull(); p != nil {
		t.Errorf("expected no packet, got %d bytes", len(p))
	}
	if f.Status() != NotEnoughBytesForPacket {
		t.Errorf("expected resync to stop on %v, got %v", NotEnoughBytesForPacket, f.Status())
	}
	if f.Skipped()+uint64(f.Buffered()) != 80000 {
		t.Errorf("bytes lost: skipped=%d buffered=%d", f.Skipped(), f.Buffered())
	}
}

func TestFramerVersionValid(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv([]byte{0x1F, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0xFF, 0xFF})

	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v, got %v", ValidPacket, s)
	}
	if p := f.Pull(); len(p) != 7 {
		t.Errorf("expected a 7 byte packet, got %x", p)
	}
}

func TestFramerLengthBounds(t *testing.T) {
	packet := []byte{0x1F, 0xFF, 0xFF, 0xFF, 0x00, 3, 0xFF, 0xFF, 0xFF, 0xFF}
	cases := []struct {
		name   string
		config Config
		want   Status
	}{
		{"max", Config{MaxPacketLength: 8}, ExceedsMaxPacketLength},
		{"min", Config{MinPacketLength: 11}, BelowMinPacketLength},
		{"within", Config{MinPacketLength: 10, MaxPacketLength: 10}, ValidPacket},
	}
	for _, c := range cases {
		f := newTestFramer(t, c.config)
		f.Recv(packet)
		if s := f.Status(); s != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, s)
		}
		p := f.Pull()
		if c.want == ValidPacket && len(p) != 10 {
			t.Errorf("%s: expected a 10 byte packet, got %x", c.name, p)
		}
		if c.want != ValidPacket && p != nil {
			t.Errorf("%s: expected no packet, got %x", c.name, p)
		}
	}
}

func TestFramerLengthCheckedBeforeAvailability(t *testing.T) {
	// claims 0x0300+7 bytes, only 8 present
	f := newTestFramer(t, Config{MaxPacketLength: 100})
	f.Recv([]byte{0x00, 0x01, 0xFF, 0xFF, 0x03, 0x00, 0xFF, 0xFF})
	if s := f.Status(); s != ExceedsMaxPacketLength {
		t.Errorf("expected %v, got %v", ExceedsMaxPacketLength, s)
	}
}

func TestFramerPacketLengthTooLarge(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv([]byte{0x1F, 0xFF, 0xFF, 0xFF, 0x03, 0x00, 0xFF, 0xFF})

	if s := f.Status(); s != NotEnoughBytesForPacket {
		t.Errorf("expected %v, got %v", NotEnoughBytesForPacket, s)
	}
	if p := f.Pull(); p != nil {
		t.Errorf("expected no packet, got %x", p)
	}
}

func TestFramerPushBytes(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv([]byte{0x1F, 0xFF, 0xFF, 0xFF, 0x00, 0x03, 0xFF, 0xFF})

	if s := f.Status(); s != NotEnoughBytesForPacket {
		t.Errorf("expected %v, got %v", NotEnoughBytesForPacket, s)
	}
	if p := f.Pull(); p != nil {
		t.Errorf("expected no packet, got %x", p)
	}

	f.Recv([]byte{0, 0})
	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v, got %v", ValidPacket, s)
	}
	if p := f.Pull(); len(p) != 10 {
		t.Errorf("expected a 10 byte packet, got %x", p)
	}
	if f.Buffered() != 0 {
		t.Errorf("expected an empty buffer, %d bytes left", f.Buffered())
	}
}

func TestFramerSyncNotEnoughBytes(t *testing.T) {
	f := newTestFramer(t, Config{SyncBytes: []byte{0xEB, 0x90}})
	f.Recv([]byte{0xEB, 0x90, 0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01})
	if s := f.Status(); s != NotEnoughBytesForHeader {
		t.Errorf("expected %v, got %v", NotEnoughBytesForHeader, s)
	}
}

func TestFramerSecondaryHeader(t *testing.T) {
	present := newTestFramer(t, Config{SecondaryHeaderRequired: true})
	present.Recv([]byte{0x08, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF})
	if s := present.Status(); s != ValidPacket {
		t.Errorf("secondary header present: expected %v, got %v", ValidPacket, s)
	}

	absent := newTestFramer(t, Config{SecondaryHeaderRequired: true})
	absent.Recv(minimalPacket)
	if s := absent.Status(); s != SecondaryHeaderInvalid {
		t.Errorf("secondary header absent: expected %v, got %v", SecondaryHeaderInvalid, s)
	}

	optional := newTestFramer(t, DefaultConfig())
	optional.Recv(minimalPacket)
	if s := optional.Status(); s != ValidPacket {
		t.Errorf("secondary header not required: expected %v, got %v", ValidPacket, s)
	}
}

func TestFramerLittleEndian(t *testing.T) {
	f := newTestFramer(t, Config{LittleEndianHeader: true})
	f.Recv([]byte{0x03, 0x00, 0xFF, 0xFF, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x00})
	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v, got %v", ValidPacket, s)
	}
	h, ok := f.CurrentHeader()
	if !ok || h.APID() != 3 || h.PacketLength() != 8 {
		t.Errorf("unexpected header %v", h)
	}
	if p := f.Pull(); len(p) != 8 {
		t.Errorf("expected an 8 byte packet, got %x", p)
	}
}

func TestFramerSync(t *testing.T) {
	f := newTestFramer(t, Config{SyncBytes: []byte{0xEB, 0x90}})
	f.Recv([]byte{0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF, 0x00, 0x00})
	if s := f.Status(); s != SyncNotFound {
		t.Errorf("expected %v, got %v", SyncNotFound, s)
	}

	f = newTestFramer(t, Config{SyncBytes: []byte{0xEB, 0x90}})
	f.Recv([]byte{0xEB, 0x90, 0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF})
	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v, got %v", ValidPacket, s)
	}
}

func TestFramerFindSync(t *testing.T) {
	f := newTestFramer(t, Config{SyncBytes: []byte{0xEB, 0x90}})
	f.Recv([]byte{0x00, 0x01, 0xEB, 0x90, 0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF, 0x00, 0x00})
	if s := f.Status(); s != SyncNotFound {
		t.Errorf("expected %v, got %v", SyncNotFound, s)
	}

	p := f.Pull()
	if !bytes.Equal(p, minimalPacket) {
		t.Errorf("expected %x, got %x", minimalPacket, p)
	}
	if f.Skipped() != 2 {
		t.Errorf("expected 2 skipped bytes, got %d", f.Skipped())
	}
	if f.Buffered() != 2 {
		t.Errorf("expected 2 trailing bytes, got %d", f.Buffered())
	}
}

func TestFramerKeepHeader(t *testing.T) {
	in := []byte{0xEB, 0x90, 0x00, 0x01, 0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF, 0x00, 0x00}
	cases := []struct {
		name   string
		config Config
		want   []byte
	}{
		{"header", Config{NumHeaderBytes: 2, KeepHeader: true}, in[2:12]},
		{"header and sync", Config{NumHeaderBytes: 2, KeepHeader: true, KeepSync: true}, in[0:12]},
		{"sync only", Config{NumHeaderBytes: 2, KeepSync: true}, append([]byte{0xEB, 0x90}, in[4:12]...)},
		{"neither", Config{NumHeaderBytes: 2}, in[4:12]},
	}
	for _, c := range cases {
		c.config.SyncBytes = []byte{0xEB, 0x90}
		f := newTestFramer(t, c.config)
		f.Recv(in)
		if s := f.Status(); s != ValidPacket {
			t.Errorf("%s: expected %v, got %v", c.name, ValidPacket, s)
			continue
		}
		p := f.Pull()
		if !bytes.Equal(p, c.want) {
			t.Errorf("%s: expected %x, got %x", c.name, c.want, p)
		}
		if hdr, err := c.config.Packet(p).Header(); err != nil || hdr.APID() != 3 {
			t.Errorf("%s: packet offset %d does not point at the header", c.name, c.config.PacketOffset())
		}
	}
}

func TestFramerFooter(t *testing.T) {
	in := []byte{0x00, 0x03, 0xFF, 0xFF, 0x00, 0x01, 0xFF, 0xFF, 0x12, 0x34}

	keep := newTestFramer(t, Config{NumFooterBytes: 2, KeepFooter: true})
	keep.Recv(in)
	if s := keep.Status(); s != ValidPacket {
		t.Fatalf("expected %v, got %v", ValidPacket, s)
	}
	if p := keep.Pull(); !bytes.Equal(p, in) {
		t.Errorf("expected %x, got %x", in, p)
	}

	drop := newTestFramer(t, Config{NumFooterBytes: 2})
	drop.Recv(in)
	drop.Recv(in)
	for i := 0; i < 2; i++ {
		if p := drop.Pull(); !bytes.Equal(p, in[:8]) {
			t.Errorf("packet %d: expected %x, got %x", i, in[:8], p)
		}
	}
	if drop.Buffered() != 0 || drop.Skipped() != 0 {
		t.Errorf("footer not consumed: buffered=%d skipped=%d", drop.Buffered(), drop.Skipped())
	}
}

func TestFramerFooterMustBePresent(t *testing.T) {
	f := newTestFramer(t, Config{NumFooterBytes: 2})
	f.Recv(minimalPacket)
	f.Recv([]byte{0x12})
	if s := f.Status(); s != NotEnoughBytesForPacket {
		t.Errorf("expected %v, got %v", NotEnoughBytesForPacket, s)
	}
}

func TestFramerAPIDFilter(t *testing.T) {
	// apid 7, length field 0
	packet := []byte{0x00, 0x07, 0xC0, 0x00, 0x00, 0x00, 0xAB}
	f := newTestFramer(t, Config{AllowedAPIDs: []uint16{5}})
	f.Recv(packet)

	if s := f.Status(); s != APIDNotAllowed {
		t.Errorf("expected %v, got %v", APIDNotAllowed, s)
	}
	if p := f.Pull(); p != nil {
		t.Errorf("expected no packet, got %x", p)
	}
	if f.Status() != NotEnoughBytesForHeader {
		t.Errorf("expected the buffer to run dry, status %v", f.Status())
	}

	f = newTestFramer(t, Config{AllowedAPIDs: []uint16{5}})
	f.AllowAPID(7)
	f.Recv(packet)
	if p := f.Pull(); !bytes.Equal(p, packet) {
		t.Errorf("expected %x after allowing apid 7, got %x", packet, p)
	}
	cfg := f.Config()
	if len(cfg.AllowedAPIDs) != 2 {
		t.Errorf("expected 2 allowed apids, got %v", cfg.AllowedAPIDs)
	}
}

func TestFramerAllowAPIDCreatesList(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv(minimalPacket)
	if s := f.Status(); s != ValidPacket {
		t.Fatalf("expected %v, got %v", ValidPacket, s)
	}
	f.AllowAPID(4)
	f.AllowAPID(4)
	if s := f.Status(); s != APIDNotAllowed {
		t.Errorf("expected %v, got %v", APIDNotAllowed, s)
	}
	if got := f.Config().AllowedAPIDs; len(got) != 1 || got[0] != 4 {
		t.Errorf("unexpected allowed apids %v", got)
	}
}

func TestFramerEmptyAllowList(t *testing.T) {
	f := newTestFramer(t, Config{AllowedAPIDs: []uint16{}})
	f.Recv(minimalPacket)
	if s := f.Status(); s != APIDNotAllowed {
		t.Errorf("expected %v, got %v", APIDNotAllowed, s)
	}
}

func TestFramerValidator(t *testing.T) {
	// footer is a big endian crc32 of sync through data
	withCRC := func(b []byte) []byte {
		return binary.BigEndian.AppendUint32(append([]byte{}, b...), crc32.ChecksumIEEE(b))
	}
	checkCRC := ValidatorFunc(func(candidate []byte) bool {
		n := len(candidate) - 4
		return binary.BigEndian.Uint32(candidate[n:]) == crc32.ChecksumIEEE(candidate[:n])
	})

	var seen [][]byte
	cfg := Config{
		SyncBytes:      []byte{0x1A, 0xCF},
		NumFooterBytes: 4,
		Validator: ValidatorFunc(func(candidate []byte) bool {
			seen = append(seen, append([]byte{}, candidate...))
			return checkCRC(candidate)
		}),
	}
	f := newTestFramer(t, cfg)

	good := withCRC(append([]byte{0x1A, 0xCF}, minimalPacket...))
	bad := append([]byte{}, good...)
	bad[len(bad)-1] ^= 0xFF

	f.Recv(bad)
	if s := f.Status(); s != ValidationFailed {
		t.Errorf("expected %v, got %v", ValidationFailed, s)
	}
	if len(seen) != 1 || !bytes.Equal(seen[0], bad) {
		t.Errorf("validator saw %x, want the full candidate %x", seen, bad)
	}

	f.Recv(good)
	p := f.Pull()
	if !bytes.Equal(p, minimalPacket) {
		t.Errorf("expected %x, got %x", minimalPacket, p)
	}
	if f.Skipped() != uint64(len(bad)) {
		t.Errorf("expected %d skipped bytes, got %d", len(bad), f.Skipped())
	}

	f.SetValidator(nil)
	f.Recv(bad)
	if s := f.Status(); s != ValidPacket {
		t.Errorf("expected %v with no validator, got %v", ValidPacket, s)
	}
}

func TestFramerReject(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Reject()
	if f.Skipped() != 0 {
		t.Errorf("reject on an empty buffer counted a byte")
	}

	f.Recv(minimalPacket)
	f.Reject()
	if f.Skipped() != 1 || f.Buffered() != 7 {
		t.Errorf("reject: skipped=%d buffered=%d", f.Skipped(), f.Buffered())
	}
}

func TestFramerResyncTerminates(t *testing.T) {
	// every position has version 7
	garbage := bytes.Repeat([]byte{0xE0, 0xE0, 0xE0, 0xE0, 0xE0, 0x00}, 50)
	f := newTestFramer(t, DefaultConfig())
	f.Recv(garbage)

	for range f.All() {
		t.Fatalf("garbage produced a packet")
	}
	if f.Skipped() > uint64(len(garbage)-PrimaryHeaderLength) {
		t.Errorf("skipped %d bytes of %d", f.Skipped(), len(garbage))
	}
	if _, ok := f.Next(); ok {
		t.Errorf("next after exhaustion produced a packet")
	}
}

func TestFramerGarbageBetweenPackets(t *testing.T) {
	// zero sequence word and data keep the garbage from claiming long packets
	packet := []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}
	var in []byte
	in = append(in, 0xE0, 0xE0)
	in = append(in, packet...)
	in = append(in, 0xE0, 0xE0)
	in = append(in, packet...)

	f := newTestFramer(t, DefaultConfig())
	f.Recv(in)
	var got [][]byte
	for p := range f.All() {
		got = append(got, p)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(got))
	}
	for _, p := range got {
		if !bytes.Equal(p, packet) {
			t.Errorf("expected %x, got %x", packet, p)
		}
	}
	if f.Skipped() != 4 {
		t.Errorf("expected 4 skipped bytes, got %d", f.Skipped())
	}
}

func TestFramerNextSkipsLongGarbage(t *testing.T) {
	// the leading byte makes the head claim a 0xFF00+7 byte packet
	in := append([]byte{0x00}, minimalPacket...)

	f := newTestFramer(t, DefaultConfig())
	f.Recv(in)
	if p := f.Pull(); p != nil {
		t.Fatalf("pull should wait for more data, got %x", p)
	}
	p, ok := f.Next()
	if !ok {
		t.Fatalf("next should have skipped the leading byte")
	}
	if len(p) != 8 {
		t.Errorf("expected an 8 byte packet, got %x", p)
	}
}

func TestFramerNextLatch(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv([]byte{0x00, 0x03, 0xFF, 0xFF, 0x00})
	if _, ok := f.Next(); ok {
		t.Fatalf("expected no packet")
	}
	if _, ok := f.Next(); ok {
		t.Fatalf("expected no packet while latched")
	}

	f.Recv([]byte{0x01, 0xFF, 0xFF})
	p, ok := f.Next()
	if !ok || !bytes.Equal(p, minimalPacket) {
		t.Errorf("receiving bytes should clear the latch, got %x %v", p, ok)
	}

	f.Write(minimalPacket)
	if _, ok := f.Next(); !ok {
		t.Errorf("write should clear the latch")
	}
}

func TestFramerIterator(t *testing.T) {
	const n = 100
	f := newTestFramer(t, DefaultConfig())
	for i := 0; i < n; i++ {
		f.Recv(minimalPacket)
	}
	for i := 0; i < n; i++ {
		p, ok := f.Next()
		if !ok {
			t.Fatalf("packet %d missing", i)
		}
		if !bytes.Equal(p, minimalPacket) {
			t.Fatalf("packet %d: expected %x, got %x", i, minimalPacket, p)
		}
	}
	if f.Pulled() != n {
		t.Errorf("expected %d pulled packets, got %d", n, f.Pulled())
	}
}

func TestFramerPacketsAreOwned(t *testing.T) {
	f := newTestFramer(t, DefaultConfig())
	f.Recv(minimalPacket)
	f.Recv(minimalPacket)
	first := f.Pull()
	first[0] = 0xAA
	second := f.Pull()
	if !bytes.Equal(second, minimalPacket) {
		t.Errorf("modifying a returned packet changed the buffer: %x", second)
	}
}

func TestFramerConfigIsCopied(t *testing.T) {
	cfg := Config{SyncBytes: []byte{0xEB, 0x90}, AllowedAPIDs: []uint16{3}}
	f := newTestFramer(t, cfg)
	cfg.SyncBytes[0] = 0x00
	cfg.AllowedAPIDs[0] = 9

	f.Recv([]byte{0xEB, 0x90})
	f.Recv(minimalPacket)
	if s := f.Status(); s != ValidPacket {
		t.Errorf("caller mutation leaked into the framer: %v", s)
	}
}

func TestNewFramerRejectsBadConfig(t *testing.T) {
	if _, err := NewFramer(Config{AllowedAPIDs: []uint16{2048}}); err == nil {
		t.Errorf("expected an error for apid 2048")
	}
}

func TestStatusString(t *testing.T) {
	if ValidPacket.String() != "valid-packet" || APIDNotAllowed.String() != "apid-not-allowed" {
		t.Errorf("unexpected names %q %q", ValidPacket, APIDNotAllowed)
	}
	if Status(99).String() != "status(99)" {
		t.Errorf("unexpected name %q", Status(99))
	}
	for s := ValidPacket; s <= APIDNotAllowed; s++ {
		want := s == NotEnoughBytesForHeader || s == NotEnoughBytesForPacket
		if s.NeedsMoreData() != want {
			t.Errorf("%v: NeedsMoreData=%v", s, s.NeedsMoreData())
		}
	}
}
