package dataset

import (
	"math/rand/v2"
)

// Stream yields captions from a Dataset in a shuffled order that wraps
// around epoch boundaries, reshuffling with the same generator each time.
// Given the same seed and dataset the sequence is fully reproducible. An
// optional filter drops captions from the stream entirely; Next returns
// false only when a complete pass produces nothing.
type Stream struct {
	ds     Dataset
	rng    *rand.Rand
	filter func(string) bool
	order  []int
	pos    int
}

// NewStream creates a shuffled wrapping stream over the dataset. filter, if
// non-nil, reports captions to keep; the rest are skipped. The generator
// must not be shared with concurrent users.
func NewStream(ds Dataset, rng *rand.Rand, filter func(string) bool) *Stream {
	st := &Stream{ds: ds, rng: rng, filter: filter}
	st.order = make([]int, ds.Len())
	for i := range st.order {
		st.order[i] = i
	}
	st.shuffle()
	return st
}

func (st *Stream) shuffle() {
	st.rng.Shuffle(len(st.order), func(i, j int) {
		st.order[i], st.order[j] = st.order[j], st.order[i]
	})
	st.pos = 0
}

// Next returns the next caption that passes the filter, wrapping and
// reshuffling at epoch boundaries. It returns false when the dataset is
// empty or a full epoch yielded nothing.
func (st *Stream) Next() (string, bool) {
	if len(st.order) == 0 {
		return "", false
	}
	for skipped := 0; skipped < len(st.order); {
		if st.pos >= len(st.order) {
			st.shuffle()
		}
		idx := st.order[st.pos]
		st.pos++
		caption, err := st.ds.Get(idx)
		if err != nil {
			skipped++
			continue
		}
		if st.filter != nil && !st.filter(caption) {
			skipped++
			continue
		}
		return caption, true
	}
	return "", false
}
