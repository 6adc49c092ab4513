package capture

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// carrySize bounds the incomplete trailing sequence held between reads.
// No supported encoding needs more than four bytes for one character.
const carrySize = 16

var errCarryOverflow = errors.New("capture: incomplete sequence exceeds decoder carry")

// LookupEncoding resolves an IANA or WHATWG encoding name. The empty
// name selects UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown output encoding %q: %w", name, err)
	}
	return enc, nil
}

// Decoder converts a stream of encoded bytes into UTF-8 across many calls.
// A sequence cut off at the end of one call is kept and completed by the
// next one. Malformed input becomes U+FFFD. A Decoder belongs to a single
// capture session.
type Decoder struct {
	t      transform.Transformer
	carry  [carrySize]byte
	nCarry int
}

// NewDecoder returns a Decoder for enc. A nil enc means UTF-8.
func NewDecoder(enc encoding.Encoding) *Decoder {
	if enc == nil {
		enc = unicode.UTF8
	}
	t := enc.NewDecoder()
	t.Reset()
	return &Decoder{t: t}
}

// Pending returns the number of bytes held back waiting for the rest of
// their sequence.
func (d *Decoder) Pending() int { return d.nCarry }

// Decode decodes src into dst and returns the number of bytes written to
// dst. Every byte of src is either decoded or carried over, unless full
// is true: then dst had no room for the next character and the remaining
// input was not consumed.
func (d *Decoder) Decode(dst, src []byte) (n int, full bool, err error) {
	for d.nCarry > 0 {
		k := copy(d.carry[d.nCarry:], src)
		nd, ns, terr := d.t.Transform(dst[n:], d.carry[:d.nCarry+k], false)
		n += nd

		if ns == 0 {
			switch terr {
			case transform.ErrShortSrc:
				if k < len(src) {
					return n, false, errCarryOverflow
				}
				d.nCarry += k
				return n, false, nil
			case transform.ErrShortDst:
				return n, true, nil
			case nil:
				// Nothing to decode yet.
				return n, false, nil
			default:
				return n, false, terr
			}
		}

		if ns >= d.nCarry {
			src = src[ns-d.nCarry:]
			d.nCarry = 0
		} else {
			copy(d.carry[:], d.carry[ns:d.nCarry])
			d.nCarry -= ns
		}
		if terr == transform.ErrShortDst {
			return n, true, nil
		}
		if terr != nil && terr != transform.ErrShortSrc {
			return n, false, terr
		}
	}

	nd, ns, terr := d.t.Transform(dst[n:], src, false)
	n += nd
	switch terr {
	case nil:
		return n, false, nil
	case transform.ErrShortSrc:
		rest := src[ns:]
		if len(rest) > len(d.carry) {
			return n, false, errCarryOverflow
		}
		d.nCarry = copy(d.carry[:], rest)
		return n, false, nil
	case transform.ErrShortDst:
		return n, true, nil
	default:
		return n, false, terr
	}
}
