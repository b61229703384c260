package wire

import "errors"

// Flags is the TCP-like flags bitset: one bit per control flag, with
// human-readable formatting for logs.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	_ // reserved, keeps ACK at bit 0x10.
	_
	FlagACK
)

// HasAll reports whether every bit in mask is set in flags.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set in flags.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	var parts []string
	if f.HasAny(FlagSYN) {
		parts = append(parts, "SYN")
	}
	if f.HasAny(FlagACK) {
		parts = append(parts, "ACK")
	}
	if f.HasAny(FlagFIN) {
		parts = append(parts, "FIN")
	}
	out := "["
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out + "]"
}

// MSS is the maximum segment payload size.
const MSS = 1024

// HeaderSizeTCP is the fixed 20-byte header size of a Segment on the wire.
const HeaderSizeTCP = 20

// dataOffsetWords is the fixed header length in 32-bit words; this codec
// does not implement variable-length TCP options.
const dataOffsetWords = 5

// ErrShortSegment is returned by DecodeSegment for buffers under
// HeaderSizeTCP bytes.
var ErrShortSegment = errors.New("wire: tcp segment shorter than 20-byte header")

// Segment is the wire representation of a TCP-like header:
//
//	src_port: u16 | dst_port: u16 | seq: u32 | ack: u32
//	| data_offset_words: u8 (value 5) | flags: u8 | window: u16
//	| integrity: 2 bytes
//	then payload up to MSS=1024 bytes.
//
// All multi-byte fields are network (big-endian) order.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
	Payload []byte
}

// HasFlag reports whether flag is set.
func (s *Segment) HasFlag(flag Flags) bool { return s.Flags.HasAny(flag) }

// Len returns the number of bytes in the sequence space this segment
// occupies: payload length plus one for each of SYN/FIN, matching the
// classical TCP accounting used when advancing sequence counters.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.HasFlag(FlagSYN) {
		n++
	}
	if s.HasFlag(FlagFIN) {
		n++
	}
	return n
}

func checksumSegment(src, dst uint16, seq, ack uint32, flags Flags, window uint16, payload []byte) uint16 {
	var c CRC791
	c.AddSegmentHeader(src, dst, seq, ack, flags, window)
	return NeverZeroChecksum(c.PayloadSum16(payload))
}

// EncodeSegment serializes seg into its 20-byte-header wire form. Encode
// never fails; callers are responsible for keeping len(seg.Payload)<=MSS.
func EncodeSegment(seg Segment) []byte {
	buf := make([]byte, HeaderSizeTCP+len(seg.Payload))
	putUint16(buf[0:2], seg.SrcPort)
	putUint16(buf[2:4], seg.DstPort)
	putUint32(buf[4:8], seg.Seq)
	putUint32(buf[8:12], seg.Ack)
	buf[12] = dataOffsetWords
	buf[13] = byte(seg.Flags)
	putUint16(buf[14:16], seg.Window)
	sum := checksumSegment(seg.SrcPort, seg.DstPort, seg.Seq, seg.Ack, seg.Flags, seg.Window, seg.Payload)
	putUint16(buf[16:18], sum)
	copy(buf[HeaderSizeTCP:], seg.Payload)
	return buf
}

// DecodedSegment wraps a parsed Segment together with its corruption
// verdict, mirroring [Decoded] for RDT packets.
type DecodedSegment struct {
	Segment
	IsCorrupt bool
}

// DecodeSegment parses buf into a DecodedSegment. It returns ErrShortSegment
// only for structurally malformed (under-20-byte) buffers; an integrity
// mismatch decodes successfully with IsCorrupt set.
func DecodeSegment(buf []byte) (DecodedSegment, error) {
	if len(buf) < HeaderSizeTCP {
		return DecodedSegment{}, ErrShortSegment
	}
	seg := Segment{
		SrcPort: getUint16(buf[0:2]),
		DstPort: getUint16(buf[2:4]),
		Seq:     getUint32(buf[4:8]),
		Ack:     getUint32(buf[8:12]),
		Flags:   Flags(buf[13]),
		Window:  getUint16(buf[14:16]),
		Payload: append([]byte(nil), buf[HeaderSizeTCP:]...),
	}
	gotSum := getUint16(buf[16:18])
	wantSum := checksumSegment(seg.SrcPort, seg.DstPort, seg.Seq, seg.Ack, seg.Flags, seg.Window, seg.Payload)
	return DecodedSegment{Segment: seg, IsCorrupt: gotSum != wantSum}, nil
}
