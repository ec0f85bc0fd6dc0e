package message

import (
	"encoding/binary"

	"github.com/dzen-platform/corerpc/rpcerror"
)

// Part is one immutable byte buffer within a Message. Parts are never
// mutated in place; wrappers and codecs that need to change a message build
// a new Message with new/shared Part slices instead, so that "body and
// attachment buffers round-trip by reference equality" (spec §8 property 1)
// holds for free.
type Part []byte

// Message is an ordered sequence of parts forming one RPC unit (spec §3).
// Part 0 is always the kind-tagged header; part 1, when present, is the
// body; parts 2... are user attachments.
type Message struct {
	Parts []Part
}

const (
	// MaxParts is the maximum number of parts a message may carry.
	MaxParts = 1 << 16
	// MaxPartSize is the maximum size, in bytes, of a single part.
	MaxPartSize = (1 << 31) - 1

	magicSize = 4
)

func (m Message) Body() Part {
	if len(m.Parts) < 2 {
		return nil
	}
	return m.Parts[1]
}

func (m Message) Attachments() []Part {
	if len(m.Parts) < 3 {
		return nil
	}
	return m.Parts[2:]
}

// GetMessageKind reads the 4-byte little-endian magic prelude from part 0.
func GetMessageKind(m Message) (Kind, error) {
	if len(m.Parts) == 0 || len(m.Parts[0]) < magicSize {
		return 0, errBadKind
	}
	return Kind(binary.LittleEndian.Uint32(m.Parts[0][:magicSize])), nil
}

// CheckLimits enforces the size/count ceilings from spec §3. It is meant to
// be called on every freshly built message — including, per the §9 Open
// Question resolution, on the return value of a just-built response, never
// on a stale cached field.
func CheckLimits(m Message) error {
	if len(m.Parts) > MaxParts {
		return rpcerror.New(rpcerror.Transport, "message: %d parts exceeds limit of %d", len(m.Parts), MaxParts)
	}
	for i, p := range m.Parts {
		if len(p) > MaxPartSize {
			return rpcerror.New(rpcerror.Transport, "message: part %d size %d exceeds limit of %d", i, len(p), MaxPartSize)
		}
	}
	return nil
}
