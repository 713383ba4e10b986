// Package events delivers session notices to the presentation layer.
package events

import (
	"sync"
	"time"
)

// Notice kinds.
const (
	KindSessionExpired = "session_expired"
	KindInvalidTitle   = "invalid_title"
	KindNotFound       = "not_found"
	KindNetwork        = "network"
	KindError          = "error"
)

// Notice is a user-visible message raised by the session.
type Notice struct {
	Kind      string
	Message   string
	FileID    string // the file the failed operation targeted, if any
	Timestamp int64
}

// Broadcaster fans notices out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Notice]struct{}
	published   map[string]int
}

// NewBroadcaster creates a new notice broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Notice]struct{}),
		published:   make(map[string]int),
	}
}

// Subscribe adds a new subscriber and returns its notice channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Notice {
	ch := make(chan Notice, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish sends a notice to all subscribers. Non-blocking: drops notices
// for slow consumers.
func (b *Broadcaster) Publish(n Notice) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().Unix()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[n.Kind]++
	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Published returns how many notices of kind were published.
func (b *Broadcaster) Published(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published[kind]
}
