package bundle

import (
	"errors"
	"fmt"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

// ErrBundleMalformed indicates the parser ran off the end of the buffer
// mid-separator or mid-payload. In TCP transports this is unrecoverable —
// the byte stream has lost synchronization and the connection must be
// abandoned (see internal/netio's resumable reader, which prevents this by
// construction for well-formed streams).
var ErrBundleMalformed = errors.New("bundle malformed")

// InnerPacket is one decoded member of a parsed bundle.
type InnerPacket struct {
	Protocol uint8
	Payload  []byte
}

// Parse demultiplexes bundle according to flavor, returning the inner
// packets in wire order. The returned Payload slices alias bundle; callers
// that retain them past the next read must copy.
func Parse(flavor muxcontext.Flavor, bundle []byte) ([]InnerPacket, error) {
	switch flavor {
	case muxcontext.FlavorFast:
		return parseFast(bundle)
	default:
		return parseNormal(bundle)
	}
}

func parseFast(bundle []byte) ([]InnerPacket, error) {
	var out []InnerPacket
	pos := 0
	for pos < len(bundle) {
		sep, err := muxcodec.DecodeFast(bundle[pos:])
		if err != nil {
			return nil, fmt.Errorf("parse fast bundle at %d: %w", pos, ErrBundleMalformed)
		}
		pos += muxcodec.FastHeaderSize
		if pos+sep.Length > len(bundle) {
			return nil, fmt.Errorf("parse fast payload at %d (want %d, have %d): %w",
				pos, sep.Length, len(bundle)-pos, ErrBundleMalformed)
		}
		out = append(out, InnerPacket{Protocol: sep.Protocol, Payload: bundle[pos : pos+sep.Length]})
		pos += sep.Length
	}
	return out, nil
}

func parseNormal(bundle []byte) ([]InnerPacket, error) {
	var out []InnerPacket
	pos := 0
	first := true
	var sharedProtocol uint8
	var spb bool

	for pos < len(bundle) {
		sep, err := muxcodec.DecodeNormal(bundle[pos:], first)
		if err != nil {
			return nil, fmt.Errorf("parse normal separator at %d: %w", pos, ErrBundleMalformed)
		}
		pos += sep.Width

		var protocol uint8
		if first {
			spb = sep.SPB
			if pos >= len(bundle) {
				return nil, fmt.Errorf("parse normal protocol byte at %d: %w", pos, ErrBundleMalformed)
			}
			protocol = bundle[pos]
			pos++
			if spb {
				sharedProtocol = protocol
			}
		} else if spb {
			protocol = sharedProtocol
		} else {
			if pos >= len(bundle) {
				return nil, fmt.Errorf("parse normal protocol byte at %d: %w", pos, ErrBundleMalformed)
			}
			protocol = bundle[pos]
			pos++
		}

		if pos+sep.Length > len(bundle) {
			return nil, fmt.Errorf("parse normal payload at %d (want %d, have %d): %w",
				pos, sep.Length, len(bundle)-pos, ErrBundleMalformed)
		}
		out = append(out, InnerPacket{Protocol: protocol, Payload: bundle[pos : pos+sep.Length]})
		pos += sep.Length
		first = false
	}
	return out, nil
}
