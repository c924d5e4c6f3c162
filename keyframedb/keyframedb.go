// Package keyframedb implements the place-recognition index: an inverted
// file from visual words to the keyframes containing them, queried for
// relocalization candidates and for loop candidates outside a keyframe's
// own covisibility neighborhood.
package keyframedb

import (
	"sort"
	"sync"

	"github.com/viamrobotics/viam-vslam/slammap"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// DB is the inverted index. It is safe for concurrent use; it stores
// keyframe handles only and never mutates the map.
type DB struct {
	mu    sync.Mutex
	m     *slammap.Map
	index map[vocab.WordID]map[slammap.KeyFrameID]bool
}

// New returns an empty index over the given map.
func New(m *slammap.Map) *DB {
	return &DB{
		m:     m,
		index: make(map[vocab.WordID]map[slammap.KeyFrameID]bool),
	}
}

// Add indexes a keyframe under each of its visual words.
func (db *DB) Add(kf *slammap.KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.Bow() {
		postings, ok := db.index[word]
		if !ok {
			postings = make(map[slammap.KeyFrameID]bool)
			db.index[word] = postings
		}
		postings[kf.ID()] = true
	}
}

// Erase removes a culled keyframe from the index.
func (db *DB) Erase(kf *slammap.KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.Bow() {
		if postings, ok := db.index[word]; ok {
			delete(postings, kf.ID())
			if len(postings) == 0 {
				delete(db.index, word)
			}
		}
	}
}

// Clear empties the index. Called on reset alongside Map.Clear.
func (db *DB) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.index = make(map[vocab.WordID]map[slammap.KeyFrameID]bool)
}

// candidate accumulates shared-word evidence for one keyframe.
type candidate struct {
	id     slammap.KeyFrameID
	shared int
	score  float64
}

// sharedWordCounts returns, per keyframe, how many query words it shares,
// skipping excluded keyframes.
func (db *DB) sharedWordCounts(bow vocab.BowVector, exclude map[slammap.KeyFrameID]bool) map[slammap.KeyFrameID]int {
	db.mu.Lock()
	defer db.mu.Unlock()
	counts := make(map[slammap.KeyFrameID]int)
	for word := range bow {
		for id := range db.index[word] {
			if exclude[id] {
				continue
			}
			counts[id]++
		}
	}
	return counts
}

func (db *DB) rankCandidates(bow vocab.BowVector, exclude map[slammap.KeyFrameID]bool, minScore float64) []*slammap.KeyFrame {
	counts := db.sharedWordCounts(bow, exclude)
	if len(counts) == 0 {
		return nil
	}
	maxShared := 0
	for _, n := range counts {
		if n > maxShared {
			maxShared = n
		}
	}
	// Only keyframes sharing a substantial fraction of the best match's
	// words are scored, the original system's pruning heuristic.
	minShared := int(0.8 * float64(maxShared))
	cands := make([]candidate, 0, len(counts))
	for id, n := range counts {
		if n < minShared {
			continue
		}
		kf := db.m.KeyFrame(id)
		if kf == nil {
			continue
		}
		score := vocab.Score(bow, kf.Bow())
		if score < minScore {
			continue
		}
		cands = append(cands, candidate{id: id, shared: n, score: score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id < cands[j].id
	})
	out := make([]*slammap.KeyFrame, 0, len(cands))
	for _, c := range cands {
		if kf := db.m.KeyFrame(c.id); kf != nil {
			out = append(out, kf)
		}
	}
	return out
}

// RelocalizationCandidates returns keyframes similar to a lost frame's
// bag-of-words vector, best first.
func (db *DB) RelocalizationCandidates(bow vocab.BowVector) []*slammap.KeyFrame {
	return db.rankCandidates(bow, nil, 0)
}

// LoopCandidates returns keyframes similar to the query keyframe but
// outside its covisibility neighborhood, best first. minScore is typically
// the lowest similarity within the neighborhood itself, so trivially close
// views never count as loops.
func (db *DB) LoopCandidates(kf *slammap.KeyFrame, minScore float64) []*slammap.KeyFrame {
	exclude := map[slammap.KeyFrameID]bool{kf.ID(): true}
	for _, id := range kf.CovisibleKeyFrames(0) {
		exclude[id] = true
	}
	return db.rankCandidates(kf.Bow(), exclude, minScore)
}
