package localmapping

import (
	"sync"

	"github.com/viamrobotics/viam-vslam/slammap"
)

// keyframeQueue is an unbounded FIFO with a wake channel. Producers never
// block and hand-off order is preserved.
type keyframeQueue struct {
	mu     sync.Mutex
	items  []*slammap.KeyFrame
	notify chan struct{}
}

func newKeyframeQueue() *keyframeQueue {
	return &keyframeQueue{notify: make(chan struct{}, 1)}
}

func (q *keyframeQueue) push(kf *slammap.KeyFrame) {
	q.mu.Lock()
	q.items = append(q.items, kf)
	q.mu.Unlock()
	q.wake()
}

func (q *keyframeQueue) pop() *slammap.KeyFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	kf := q.items[0]
	q.items = q.items[1:]
	return kf
}

func (q *keyframeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *keyframeQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *keyframeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
