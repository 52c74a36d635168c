// Package muxcodec implements the Simplemux wire separators: the variable
// length Normal separator, the fixed Fast separator, and the Blast packet
// header. It is the lowest layer of the stack — it knows nothing about
// bundles, triggers, or transports, only how to turn one inner packet's
// framing into bytes and back.
package muxcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol IDs recognized on the wire (IANA numbers where one exists).
const (
	ProtoIPIP     uint8 = 4   // IP-in-IP
	ProtoROHC     uint8 = 142 // Robust Header Compression
	ProtoEthernet uint8 = 143 // Ethernet-in-IP
)

// Outer IPv4 protocol numbers assigned to each flavor (experimental range).
const (
	ProtoSimplemux     uint8 = 253 // Normal flavor
	ProtoSimplemuxFast uint8 = 254 // Fast flavor
	ProtoSimplemuxBlast uint8 = 252 // Blast flavor
)

// BlastHeaderSize is the fixed size, in bytes, of a Blast packet header:
// Length(2) | Protocol(1) | Identifier(2) | AckFlag(1).
const BlastHeaderSize = 6

// FastHeaderSize is the fixed size, in bytes, of a Fast separator:
// Length(2) | Protocol(1).
const FastHeaderSize = 3

// Separator bit layout for the Normal flavor (RFC-style naming kept from the
// reference implementation: SPB, LXT).
const (
	spbBit  = 0x80 // Single Protocol Bit, first separator only
	lxt1Bit = 0x40 // length extension bit, first separator byte 0
	lxtBit  = 0x80 // length extension bit, non-first separator / continuation bytes

	firstLenMask    = 0x3F // 6 length bits in the first separator's byte 0
	nonFirstLenMask = 0x7F // 7 length bits elsewhere
)

// AckFlag identifies the role of a Blast packet.
type AckFlag uint8

const (
	// AckNeedsAck marks a data packet awaiting acknowledgement.
	AckNeedsAck AckFlag = 0
	// AckIsAck marks an acknowledgement of a previously sent identifier.
	AckIsAck AckFlag = 1
	// AckHeartbeat marks a keepalive carrying no payload.
	AckHeartbeat AckFlag = 2

	ackFlagMask = 0x03
)

var (
	// ErrMalformedSeparator indicates a Normal or Fast separator could not
	// be decoded from the bytes available.
	ErrMalformedSeparator = errors.New("malformed separator")

	// ErrSeparatorTooShort indicates fewer bytes remain than the separator
	// requires.
	ErrSeparatorTooShort = errors.New("separator truncated")

	// ErrLengthTooLarge indicates a length value exceeds what the chosen
	// separator width can encode.
	ErrLengthTooLarge = errors.New("length exceeds separator width")

	// ErrBlastPacketTooShort indicates fewer than BlastHeaderSize bytes
	// remain for a Blast header.
	ErrBlastPacketTooShort = errors.New("blast header truncated")
)

// NormalSeparator is a decoded Normal-flavor separator.
type NormalSeparator struct {
	Length int
	Width  int  // bytes occupied by the separator itself (1-3)
	SPB    bool // only meaningful when decoded with first=true
}

// EncodeNormalFirst encodes the first separator of a bundle into dst,
// returning the number of bytes written. length must fit in 20 bits
// (3-byte width ceiling: 6+7+7 length bits); spb selects whether the bundle shares one
// protocol for all packets.
func EncodeNormalFirst(dst []byte, length int, spb bool) (int, error) {
	switch {
	case length <= firstLenMask:
		if len(dst) < 1 {
			return 0, ErrSeparatorTooShort
		}
		dst[0] = byte(length) & firstLenMask
		if spb {
			dst[0] |= spbBit
		}
		return 1, nil
	case length <= 1<<13-1:
		if len(dst) < 2 {
			return 0, ErrSeparatorTooShort
		}
		hi := byte(length>>7) & firstLenMask
		lo := byte(length) & nonFirstLenMask
		dst[0] = hi | lxt1Bit
		if spb {
			dst[0] |= spbBit
		}
		dst[1] = lo
		return 2, nil
	case length <= 1<<20-1:
		if len(dst) < 3 {
			return 0, ErrSeparatorTooShort
		}
		hi := byte(length>>14) & firstLenMask
		mid := byte(length>>7) & nonFirstLenMask
		lo := byte(length) & nonFirstLenMask
		dst[0] = hi | lxt1Bit
		if spb {
			dst[0] |= spbBit
		}
		dst[1] = mid | lxtBit
		dst[2] = lo
		return 3, nil
	default:
		return 0, fmt.Errorf("encode first separator, length %d: %w", length, ErrLengthTooLarge)
	}
}

// EncodeNormalNonFirst encodes a non-first separator of a bundle into dst.
func EncodeNormalNonFirst(dst []byte, length int) (int, error) {
	switch {
	case length <= nonFirstLenMask:
		if len(dst) < 1 {
			return 0, ErrSeparatorTooShort
		}
		dst[0] = byte(length) & nonFirstLenMask
		return 1, nil
	case length <= 1<<14-1:
		if len(dst) < 2 {
			return 0, ErrSeparatorTooShort
		}
		hi := byte(length>>7) & nonFirstLenMask
		lo := byte(length) & nonFirstLenMask
		dst[0] = hi | lxtBit
		dst[1] = lo
		return 2, nil
	case length <= 1<<21-1:
		if len(dst) < 3 {
			return 0, ErrSeparatorTooShort
		}
		hi := byte(length>>14) & nonFirstLenMask
		mid := byte(length>>7) & nonFirstLenMask
		lo := byte(length) & nonFirstLenMask
		dst[0] = hi | lxtBit
		dst[1] = mid | lxtBit
		dst[2] = lo
		return 3, nil
	default:
		return 0, fmt.Errorf("encode non-first separator, length %d: %w", length, ErrLengthTooLarge)
	}
}

// DecodeNormal decodes one Normal separator starting at buf[0]. first
// selects the position-0 decoding rules (SPB present, 6 length bits in byte
// 0) versus non-first rules (7 length bits in byte 0, no SPB).
func DecodeNormal(buf []byte, first bool) (NormalSeparator, error) {
	if len(buf) < 1 {
		return NormalSeparator{}, fmt.Errorf("decode separator: %w", ErrSeparatorTooShort)
	}

	b0 := buf[0]
	var length int
	var lxt1 bool
	var spb bool

	if first {
		spb = b0&spbBit != 0
		lxt1 = b0&lxt1Bit != 0
		length = int(b0 & firstLenMask)
	} else {
		lxt1 = b0&lxtBit != 0
		length = int(b0 & nonFirstLenMask)
	}

	width := 1
	if lxt1 {
		if len(buf) < 2 {
			return NormalSeparator{}, fmt.Errorf("decode separator byte 2: %w", ErrSeparatorTooShort)
		}
		b1 := buf[1]
		length = length<<7 | int(b1&nonFirstLenMask)
		width = 2
		if b1&lxtBit != 0 {
			if len(buf) < 3 {
				return NormalSeparator{}, fmt.Errorf("decode separator byte 3: %w", ErrSeparatorTooShort)
			}
			b2 := buf[2]
			length = length<<7 | int(b2&nonFirstLenMask)
			width = 3
		}
	}

	return NormalSeparator{Length: length, Width: width, SPB: spb}, nil
}

// FastSeparator is a decoded Fast-flavor separator.
type FastSeparator struct {
	Length   int
	Protocol uint8
}

// EncodeFast encodes a fixed 3-byte Fast separator into dst.
func EncodeFast(dst []byte, length int, protocol uint8) (int, error) {
	if len(dst) < FastHeaderSize {
		return 0, ErrSeparatorTooShort
	}
	if length > 0xFFFF {
		return 0, fmt.Errorf("encode fast separator, length %d: %w", length, ErrLengthTooLarge)
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(length))
	dst[2] = protocol
	return FastHeaderSize, nil
}

// DecodeFast decodes a fixed 3-byte Fast separator from buf.
func DecodeFast(buf []byte) (FastSeparator, error) {
	if len(buf) < FastHeaderSize {
		return FastSeparator{}, fmt.Errorf("decode fast separator: %w", ErrSeparatorTooShort)
	}
	return FastSeparator{
		Length:   int(binary.BigEndian.Uint16(buf[0:2])),
		Protocol: buf[2],
	}, nil
}

// BlastHeader is the decoded form of a Blast packet's fixed 6-byte header.
type BlastHeader struct {
	PayloadLen int
	Protocol   uint8
	Identifier uint16
	Ack        AckFlag
}

// MarshalBlastHeader writes h into dst, which must have length >=
// BlastHeaderSize.
func MarshalBlastHeader(h BlastHeader, dst []byte) (int, error) {
	if len(dst) < BlastHeaderSize {
		return 0, fmt.Errorf("marshal blast header: %w", ErrBlastPacketTooShort)
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(h.PayloadLen))
	dst[2] = h.Protocol
	binary.BigEndian.PutUint16(dst[3:5], h.Identifier)
	dst[5] = byte(h.Ack) & ackFlagMask
	return BlastHeaderSize, nil
}

// UnmarshalBlastHeader reads a BlastHeader from the first BlastHeaderSize
// bytes of buf.
func UnmarshalBlastHeader(buf []byte) (BlastHeader, error) {
	if len(buf) < BlastHeaderSize {
		return BlastHeader{}, fmt.Errorf("unmarshal blast header: %w", ErrBlastPacketTooShort)
	}
	return BlastHeader{
		PayloadLen: int(binary.BigEndian.Uint16(buf[0:2])),
		Protocol:   buf[2],
		Identifier: binary.BigEndian.Uint16(buf[3:5]),
		Ack:        AckFlag(buf[5] & ackFlagMask),
	}, nil
}
