package megolm

import (
	"sync"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

type pendingEvent struct {
	timelineID string
	event      domain.Event
}

// pendingQueue holds events that failed to decrypt until their session
// arrives, keyed by sender key and session id, in arrival order.
type pendingQueue struct {
	mu    sync.Mutex
	byKey map[string][]pendingEvent
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{byKey: make(map[string][]pendingEvent)}
}

func sessionKey(senderKey domain.Curve25519Key, sessionID domain.SessionID) string {
	return string(senderKey) + "|" + string(sessionID)
}

// add queues the event unless the same event is already queued for the
// timeline.
func (q *pendingQueue) add(key, timelineID string, event domain.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.byKey[key] {
		if p.timelineID == timelineID && p.event.EventID != "" && p.event.EventID == event.EventID {
			return
		}
	}
	q.byKey[key] = append(q.byKey[key], pendingEvent{timelineID: timelineID, event: event})
}

// take removes and returns everything queued for key.
func (q *pendingQueue) take(key string) []pendingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.byKey[key]
	delete(q.byKey, key)
	return out
}

func (q *pendingQueue) count(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if key != "" {
		return len(q.byKey[key])
	}
	n := 0
	for _, events := range q.byKey {
		n += len(events)
	}
	return n
}
