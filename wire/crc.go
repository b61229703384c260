package wire

import (
	"encoding/binary"
)

// CRC791 implements the ones'-complement checksum defined by RFC 791/793:
// the 16-bit ones' complement of the ones' complement sum of all 16-bit
// words in the buffer, with the final odd byte LSB-padded with zeros. It
// backs the 2-byte integrity field of the TCP-like [Segment] (see
// tcpsegment.go), matching the classical TCP/IP checksum rather than the
// cryptographic digest used for RDT packets.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// the max value of sum at this point is 0x1fffe, so an additional round is enough
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buff []byte) uint32 {
	for i := 0; i < len(buff); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buff[i:]))
	}
	return sum
}

// AddUint32 adds a 32 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint16(value uint16) {
	c.sum += uint32(value)
}

// AddSegmentHeader folds every fixed field of a TCP-like segment header
// into the running sum, in wire order, ahead of the variable-length
// payload. Exists so tcpsegment.go's encode/decode checksum computation
// never repeats the field-by-field Add calls inline.
func (c *CRC791) AddSegmentHeader(src, dst uint16, seq, ack uint32, flags Flags, window uint16) {
	c.AddUint16(src)
	c.AddUint16(dst)
	c.AddUint32(seq)
	c.AddUint32(ack)
	c.AddUint16(uint16(dataOffsetWords)<<8 | uint16(flags))
	c.AddUint16(window)
}

// PayloadSum16 returns the checksum resulting by adding the bytes in p to the running checksum.
func (c *CRC791) PayloadSum16(buff []byte) uint16 {
	odd := len(buff) & 1
	sum := checksumWriteEven(c.sum, buff[:len(buff)-odd])
	if odd > 0 {
		sum += uint32(buff[len(buff)-1]) << 8
	}
	return checksum16(sum)
}

// NeverZeroChecksum ensures that the given checksum is not zero, by returning 0xffff instead.
func NeverZeroChecksum(sum16 uint16) uint16 {
	// 0x0000 and 0xffff are the same number in ones' complement math
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
