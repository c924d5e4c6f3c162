// Package vocab implements the place-recognition vocabulary: a read-only
// codebook of visual words that quantizes descriptor sets into bag-of-words
// vectors, plus the similarity score between two such vectors. The
// vocabulary is built offline and loaded once at startup.
package vocab

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-vslam/feature"
)

// WordID identifies a visual word within a vocabulary.
type WordID uint32

// BowVector is a normalized bag-of-words representation of a descriptor set.
type BowVector map[WordID]float64

// Vocabulary is an immutable codebook of visual-word descriptors.
type Vocabulary struct {
	words []feature.Descriptor
}

// New constructs a vocabulary from word descriptors.
func New(words []feature.Descriptor) (*Vocabulary, error) {
	if len(words) == 0 {
		return nil, errors.New("vocabulary must contain at least one word")
	}
	return &Vocabulary{words: words}, nil
}

// Load reads a vocabulary from a text file: one hex-encoded descriptor word
// per line, blank lines and '#' comments skipped.
func Load(path string) (*Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load vocabulary %q", path)
	}
	defer func() {
		_ = f.Close()
	}()

	var words []feature.Descriptor
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		desc := make(feature.Descriptor, 0, len(fields))
		for _, fv := range fields {
			w, err := strconv.ParseUint(fv, 16, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed vocabulary word %q", line)
			}
			desc = append(desc, w)
		}
		if len(words) > 0 && len(desc) != len(words[0]) {
			return nil, errors.Errorf("inconsistent word length in vocabulary %q", path)
		}
		words = append(words, desc)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading vocabulary %q", path)
	}
	return New(words)
}

// Size returns the number of words in the vocabulary.
func (v *Vocabulary) Size() int {
	return len(v.words)
}

// WordOf returns the nearest visual word for a single descriptor.
func (v *Vocabulary) WordOf(desc feature.Descriptor) WordID {
	bestIdx, bestDist := 0, int(^uint(0)>>1)
	for i, w := range v.words {
		d, err := feature.HammingDistance(desc, w)
		if err != nil {
			continue
		}
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return WordID(bestIdx)
}

// Quantize converts a descriptor set into a normalized bag-of-words vector.
func (v *Vocabulary) Quantize(descs []feature.Descriptor) BowVector {
	bow := make(BowVector)
	for _, d := range descs {
		bow[v.WordOf(d)]++
	}
	var total float64
	for _, w := range bow {
		total += w
	}
	if total > 0 {
		for id := range bow {
			bow[id] /= total
		}
	}
	return bow
}

// Score measures the similarity of two bag-of-words vectors in [0, 1] by
// accumulating the overlap of shared words.
func Score(a, b BowVector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var s float64
	for id, wa := range a {
		if wb, ok := b[id]; ok {
			if wa < wb {
				s += wa
			} else {
				s += wb
			}
		}
	}
	return s
}

// SharedWords counts how many visual words two vectors have in common.
func SharedWords(a, b BowVector) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for id := range a {
		if _, ok := b[id]; ok {
			n++
		}
	}
	return n
}
