// Package durationsync reconciles a captured frame count with the number of
// output steps required by an audio track.
//
// An IndexMap never resamples content: output step i reads source frame
// At(i). Longer sources are trimmed, shorter sources have their frames
// repeated, with the extra repeats spread evenly across the sequence.
package durationsync

import (
	"fmt"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Mode describes how an IndexMap relates source and target lengths.
type Mode int

const (
	// ModeIdentity maps every output step to the source frame of the same index.
	ModeIdentity Mode = iota
	// ModeTrim discards source frames past the target length.
	ModeTrim
	// ModeExpand repeats source frames to reach the target length.
	ModeExpand
)

func (m Mode) String() string {
	switch m {
	case ModeIdentity:
		return "identity"
	case ModeTrim:
		return "trim"
	case ModeExpand:
		return "expand"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const errFmtInvalidLengths = "%w: source=%d target=%d"

// IndexMap is an immutable, monotonically non-decreasing mapping from output
// steps [0, T) to source indices [0, F).
type IndexMap struct {
	indices   []int
	sourceLen int
	mode      Mode
}

// New builds the IndexMap reconciling sourceLen captured frames with
// targetLen output steps.
func New(sourceLen, targetLen int) (IndexMap, error) {
	if sourceLen <= 0 || targetLen <= 0 {
		return IndexMap{}, fmt.Errorf(errFmtInvalidLengths, core.ErrInvalidDuration, sourceLen, targetLen)
	}

	indices := make([]int, 0, targetLen)

	switch {
	case sourceLen >= targetLen:
		for i := range targetLen {
			indices = append(indices, i)
		}
	default:
		for source, count := range repeatCounts(sourceLen, targetLen) {
			for range count {
				indices = append(indices, source)
			}
		}
	}

	mode := ModeIdentity
	if sourceLen > targetLen {
		mode = ModeTrim
	} else if sourceLen < targetLen {
		mode = ModeExpand
	}

	return IndexMap{indices: indices, sourceLen: sourceLen, mode: mode}, nil
}

// repeatCounts assigns each of n sources floor(t/n) repeats and spreads the
// t%n remainder with an integer fractional stepper, so that source j receives
// an extra repeat exactly when floor((j+1)*extra/n) advances.
func repeatCounts(n, t int) []int {
	base := t / n
	extra := t % n
	counts := make([]int, n)

	for j := range n {
		counts[j] = base
		if (j+1)*extra/n > j*extra/n {
			counts[j]++
		}
	}

	return counts
}

// Len returns the number of output steps T.
func (m IndexMap) Len() int { return len(m.indices) }

// SourceLen returns the number of captured frames F.
func (m IndexMap) SourceLen() int { return m.sourceLen }

// Used returns how many leading source frames the map references.
func (m IndexMap) Used() int { return min(m.sourceLen, len(m.indices)) }

// Mode reports whether the map is an identity, a trim or an expansion.
func (m IndexMap) Mode() Mode { return m.mode }

// At returns the source index read at output step i.
func (m IndexMap) At(i int) int { return m.indices[i] }

// Indices returns a copy of the full mapping.
func (m IndexMap) Indices() []int {
	out := make([]int, len(m.indices))
	copy(out, m.indices)

	return out
}

// RepeatCounts returns, for every referenced source index, how many output
// steps read it.
func (m IndexMap) RepeatCounts() []int {
	counts := make([]int, m.Used())
	for _, source := range m.indices {
		counts[source]++
	}

	return counts
}

// Apply expands or trims src with the same schedule that produced m. src must
// hold either exactly one element per referenced source index or a single
// element, which is then repeated for every output step.
func Apply[E any](m IndexMap, src []E) ([]E, error) {
	if len(src) == 1 {
		out := make([]E, m.Len())
		for i := range out {
			out[i] = src[0]
		}

		return out, nil
	}

	if len(src) < m.Used() {
		return nil, fmt.Errorf(
			"%w: sequence of %d elements cannot back %d source indices",
			core.ErrInvalidDuration, len(src), m.Used(),
		)
	}

	out := make([]E, m.Len())
	for i, source := range m.indices {
		out[i] = src[source]
	}

	return out, nil
}
