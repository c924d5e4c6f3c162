// Package feature holds the extracted-feature types that cross the boundary
// between the upstream feature extractor and the SLAM pipeline: keypoints,
// binary descriptors, and descriptor matching. Descriptor extraction itself
// is performed by the caller; this package only consumes its output.
package feature

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Descriptor is a binary feature descriptor packed into 64-bit words
// (e.g. a 256-bit descriptor is 4 words).
type Descriptor []uint64

// KeyPoint is a feature location in image coordinates, with the pyramid
// level it was detected at.
type KeyPoint struct {
	X, Y  float64
	Level int
}

// HammingDistance returns the number of differing bits between two
// descriptors of equal length.
func HammingDistance(a, b Descriptor) (int, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor length mismatch: %d vs %d", len(a), len(b))
	}
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d, nil
}

// Match pairs a descriptor index in the first set with one in the second.
type Match struct {
	Idx1, Idx2 int
	Distance   int
}

// MatchDescriptors performs nearest-neighbor matching from desc1 to desc2
// by Hamming distance. Matches farther than maxDist are discarded, and if
// crossCheck is set, a match is kept only if it is mutual.
func MatchDescriptors(desc1, desc2 []Descriptor, maxDist int, crossCheck bool) []Match {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil
	}
	best2 := make([]int, len(desc2))
	if crossCheck {
		for j := range desc2 {
			best2[j] = nearest(desc2[j], desc1)
		}
	}
	matches := make([]Match, 0, len(desc1))
	for i := range desc1 {
		j := nearest(desc1[i], desc2)
		if j < 0 {
			continue
		}
		d, err := HammingDistance(desc1[i], desc2[j])
		if err != nil || d > maxDist {
			continue
		}
		if crossCheck && best2[j] != i {
			continue
		}
		matches = append(matches, Match{Idx1: i, Idx2: j, Distance: d})
	}
	return matches
}

func nearest(query Descriptor, set []Descriptor) int {
	bestIdx, bestDist := -1, int(^uint(0)>>1)
	for j := range set {
		d, err := HammingDistance(query, set[j])
		if err != nil {
			continue
		}
		if d < bestDist {
			bestDist = d
			bestIdx = j
		}
	}
	return bestIdx
}

// DistinctiveDescriptor picks the descriptor with the least median distance
// to all the others, used as the representative descriptor of a map point
// observed from several keyframes.
func DistinctiveDescriptor(descs []Descriptor) Descriptor {
	if len(descs) == 0 {
		return nil
	}
	if len(descs) == 1 {
		return descs[0]
	}
	bestIdx, bestMedian := 0, int(^uint(0)>>1)
	for i := range descs {
		dists := make([]int, 0, len(descs)-1)
		for j := range descs {
			if i == j {
				continue
			}
			d, err := HammingDistance(descs[i], descs[j])
			if err != nil {
				continue
			}
			dists = append(dists, d)
		}
		if len(dists) == 0 {
			continue
		}
		insertionSort(dists)
		if m := dists[len(dists)/2]; m < bestMedian {
			bestMedian = m
			bestIdx = i
		}
	}
	return descs[bestIdx]
}

func insertionSort(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
