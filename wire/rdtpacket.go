// Package wire implements the byte-exact codecs shared by every protocol
// variant: the RDT packet format used by the stop-and-wait and sliding
// window protocols, and the TCP-like segment format used by the
// connection-oriented transport. Both codecs are self-contained: encode
// never fails, and decode never panics on attacker- or corruption-supplied
// input.
package wire

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Kind enumerates the RDT packet types.
type Kind uint8

const (
	KindDATA Kind = iota
	KindACK
	KindNAK
	KindSYN
	KindFIN
)

func (k Kind) String() string {
	switch k {
	case KindDATA:
		return "DATA"
	case KindACK:
		return "ACK"
	case KindNAK:
		return "NAK"
	case KindSYN:
		return "SYN"
	case KindFIN:
		return "FIN"
	default:
		return "UNKNOWN"
	}
}

// headerSizeRDT is the fixed portion of an encoded RDT packet:
// kind(1) | seq(1) | integrity(4).
const headerSizeRDT = 6

// ErrShortRDTPacket is returned by Decode when the buffer is too
// small to contain even the fixed header.
var ErrShortRDTPacket = errors.New("wire: rdt packet shorter than header")

// Packet is the wire representation of an RDT datagram:
//
//	kind: u8 | seq: u8 | integrity: 4 bytes | payload: N bytes
//
// Integrity is a truncated cryptographic digest over (kind, seq, payload).
// Seq is a single byte: stop-and-wait variants only ever use {0,1}, while
// windowed variants (GBN/SR) use it modulo 256, which comfortably exceeds
// the "at least 2N" sequence-space requirement for the window sizes those
// packages allow.
type Packet struct {
	Kind    Kind
	Seq     uint8
	Payload []byte
}

// digestRDT computes the 4-byte truncated BLAKE2b digest over kind, seq and
// payload, in that order. BLAKE2b is used (rather than a simple checksum)
// because the fault-injection channel flips bits adversarially across the
// whole frame, including the header, and a cryptographic digest makes
// collisions between "corrupt but passes" frames vanishingly unlikely.
func digestRDT(kind Kind, seq uint8, payload []byte) [4]byte {
	h, err := blake2b.New(32, nil)
	if err != nil {
		panic(err) // only fails for bad key/size, both constant here.
	}
	h.Write([]byte{byte(kind), seq})
	h.Write(payload)
	sum := h.Sum(nil)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// Encode serializes p into a self-describing frame. Encode never fails.
func Encode(p Packet) []byte {
	buf := make([]byte, headerSizeRDT+len(p.Payload))
	buf[0] = byte(p.Kind)
	buf[1] = p.Seq
	digest := digestRDT(p.Kind, p.Seq, p.Payload)
	copy(buf[2:6], digest[:])
	copy(buf[6:], p.Payload)
	return buf
}

// Decoded wraps a parsed Packet together with its corruption verdict:
// decode never fails outright on a structurally valid buffer, it instead
// reports IsCorrupt so the caller's protocol logic (NAK, duplicate-ACK,
// discard) can react per its own rules.
type Decoded struct {
	Packet
	IsCorrupt bool
}

// Decode parses buf into a Decoded packet. It returns ErrShortRDTPacket only
// for structurally malformed (too-short) buffers, which callers must treat
// as "ignore silently". A buffer that merely fails its integrity check
// decodes successfully with IsCorrupt set.
func Decode(buf []byte) (Decoded, error) {
	if len(buf) < headerSizeRDT {
		return Decoded{}, ErrShortRDTPacket
	}
	kind := Kind(buf[0])
	seq := buf[1]
	var gotDigest [4]byte
	copy(gotDigest[:], buf[2:6])
	payload := buf[6:]
	wantDigest := digestRDT(kind, seq, payload)
	return Decoded{
		Packet: Packet{
			Kind:    kind,
			Seq:     seq,
			Payload: append([]byte(nil), payload...),
		},
		IsCorrupt: gotDigest != wantDigest,
	}, nil
}

// Corrupt returns a copy of buf with 1-5 random byte positions XORed with
// 0xFF, as specified for the unreliable channel's corruption model. It is
// exposed here (rather than only in package channel) so codec-level tests
// can assert IsCorrupt==true deterministically for arbitrary flips.
func Corrupt(buf []byte, positions []int) []byte {
	out := append([]byte(nil), buf...)
	for _, pos := range positions {
		if pos >= 0 && pos < len(out) {
			out[pos] ^= 0xFF
		}
	}
	return out
}

// be16/be32 helpers used by the TCP segment codec below, kept here so both
// codecs share one file's worth of binary-encoding helpers.
func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
