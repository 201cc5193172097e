package drift

import (
	"bytes"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/driftmesh/core/internal/coreerr"
)

// sketchBits is the fixed bit width of a non-saturated Bloom sketch,
// comfortably under the 64KiB frame payload cap once marshalled.
const sketchBits = 1 << 16

// saturationLoadFactor is the id-count/sketchBits ratio above which the
// false-positive rate gets too high to trust; past this point a session
// falls back to exchanging the exact sorted envelope-id list instead,
// per spec.md §4.11.
const saturationLoadFactor = 0.5

const (
	modeBloom byte = 0
	modeFull  byte = 1
)

// sketch is either a Bloom filter over a peer's envelope-ids within the
// drift window, or (once saturated) the exact sorted id list.
type sketch struct {
	mode byte
	bits *bitset.BitSet
	ids  [][16]byte // sorted, only populated when mode == modeFull
}

func sortIDs(ids [][16]byte) [][16]byte {
	out := make([][16]byte, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// buildSketch summarizes ids as a Bloom filter, or as the exact sorted
// list if there are too many for the filter to stay reliable.
func buildSketch(ids [][16]byte) sketch {
	if len(ids) > int(float64(sketchBits)*saturationLoadFactor) {
		return sketch{mode: modeFull, ids: sortIDs(ids)}
	}
	bs := bitset.New(sketchBits)
	for _, id := range ids {
		bs.Set(bitIndex(id))
	}
	return sketch{mode: modeBloom, bits: bs}
}

func bitIndex(id [16]byte) uint {
	return uint(xxhash.Sum64(id[:]) % sketchBits)
}

// contains reports whether id is (probably, for Bloom mode) present in
// the sketch.
func (s sketch) contains(id [16]byte) bool {
	if s.mode == modeFull {
		ids := s.ids
		i := sort.Search(len(ids), func(i int) bool { return bytes.Compare(ids[i][:], id[:]) >= 0 })
		return i < len(ids) && ids[i] == id
	}
	return s.bits.Test(bitIndex(id))
}

// encode serializes a sketch to a drift Sketch frame payload.
func (s sketch) encode() ([]byte, error) {
	switch s.mode {
	case modeFull:
		out := make([]byte, 1+len(s.ids)*16)
		out[0] = modeFull
		for i, id := range s.ids {
			copy(out[1+i*16:], id[:])
		}
		return out, nil
	default:
		bitBytes, err := s.bits.MarshalBinary()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "marshal sketch bitset", err)
		}
		return append([]byte{modeBloom}, bitBytes...), nil
	}
}

// decodeSketch parses a received Sketch frame payload.
func decodeSketch(payload []byte) (sketch, error) {
	if len(payload) == 0 {
		return sketch{}, coreerr.New(coreerr.InvalidInput, "empty sketch payload")
	}
	mode, body := payload[0], payload[1:]
	switch mode {
	case modeFull:
		if len(body)%16 != 0 {
			return sketch{}, coreerr.New(coreerr.InvalidInput, "malformed full sketch id list")
		}
		ids := make([][16]byte, len(body)/16)
		for i := range ids {
			copy(ids[i][:], body[i*16:(i+1)*16])
		}
		return sketch{mode: modeFull, ids: ids}, nil
	case modeBloom:
		bs := &bitset.BitSet{}
		if err := bs.UnmarshalBinary(body); err != nil {
			return sketch{}, coreerr.Wrap(coreerr.InvalidInput, "unmarshal sketch bitset", err)
		}
		return sketch{mode: modeBloom, bits: bs}, nil
	default:
		return sketch{}, coreerr.New(coreerr.InvalidInput, "unknown sketch mode")
	}
}

func encodeIDList(ids [][16]byte) []byte {
	out := make([]byte, len(ids)*16)
	for i, id := range ids {
		copy(out[i*16:], id[:])
	}
	return out
}

func decodeIDList(payload []byte) ([][16]byte, error) {
	if len(payload)%16 != 0 {
		return nil, coreerr.New(coreerr.InvalidInput, "malformed drift id list")
	}
	ids := make([][16]byte, len(payload)/16)
	for i := range ids {
		copy(ids[i][:], payload[i*16:(i+1)*16])
	}
	return ids, nil
}
