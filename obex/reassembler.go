package obex

import (
	"encoding/binary"
	"fmt"
)

// Reassembler accumulates transport reads until one complete OBEX packet
// is available. It is not safe for concurrent use.
type Reassembler struct {
	limit    int
	buf      []byte
	declared int
	final    bool
}

// NewReassembler creates a reassembler that rejects packets declaring more
// than limit bytes. A limit of zero disables the check.
func NewReassembler(limit int) *Reassembler {
	return &Reassembler{limit: limit}
}

// Feed consumes one transport read. It returns the assembled packet once
// the received byte count equals the declared length, and nil while the
// packet is still incomplete. Any error resets the reassembler.
func (r *Reassembler) Feed(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	if r.declared == 0 {
		r.buf = append(r.buf, chunk...)
		if len(r.buf) < 3 {
			return nil, nil
		}
		declared := int(binary.BigEndian.Uint16(r.buf[1:3]))
		if declared < 3 {
			r.Reset()
			return nil, fmt.Errorf("%w: declared length %d", ErrMalformed, declared)
		}
		if r.limit > 0 && declared > r.limit {
			r.Reset()
			return nil, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrMalformed, declared, r.limit)
		}
		if len(r.buf) > declared {
			got := len(r.buf)
			r.Reset()
			return nil, fmt.Errorf("%w: received %d bytes for declared length %d", ErrOverrun, got, declared)
		}
		r.declared = declared
		r.final = r.buf[0]&FinalBit != 0
		grown := make([]byte, len(r.buf), declared)
		copy(grown, r.buf)
		r.buf = grown
	} else {
		if len(r.buf)+len(chunk) > r.declared {
			got, declared := len(r.buf)+len(chunk), r.declared
			r.Reset()
			return nil, fmt.Errorf("%w: received %d bytes for declared length %d", ErrOverrun, got, declared)
		}
		r.buf = append(r.buf, chunk...)
	}

	if len(r.buf) < r.declared {
		return nil, nil
	}
	packet := r.buf
	r.Reset()
	return packet, nil
}

// InProgress reports whether a partial packet is buffered.
func (r *Reassembler) InProgress() bool { return len(r.buf) > 0 }

// Received returns the number of buffered bytes of the current packet.
func (r *Reassembler) Received() int { return len(r.buf) }

// Declared returns the declared length of the current packet, or zero
// while the prelude is incomplete.
func (r *Reassembler) Declared() int { return r.declared }

// Final reports whether the packet being assembled has the final bit set.
func (r *Reassembler) Final() bool { return r.final }

// Reset discards any partial packet.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.declared = 0
	r.final = false
}
