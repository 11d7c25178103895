package board

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"kando-api/domain"
)

// DefaultNoticeInterval is how long a message stays visible.
const DefaultNoticeInterval = 4 * time.Second

// Notice is a transient, user-visible message.
type Notice struct {
	ID        string      `json:"id"`
	Kind      domain.Kind `json:"kind"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Notices is the stream of transient messages. Each notice clears itself
// after the display interval.
type Notices struct {
	interval time.Duration

	mu     sync.Mutex
	active []Notice
	timers map[string]*time.Timer
	subs   map[chan []Notice]struct{}
	closed bool
}

func NewNotices(interval time.Duration) *Notices {
	if interval <= 0 {
		interval = DefaultNoticeInterval
	}
	return &Notices{
		interval: interval,
		timers:   make(map[string]*time.Timer),
		subs:     make(map[chan []Notice]struct{}),
	}
}

// Publish shows a message until the display interval elapses.
func (n *Notices) Publish(kind domain.Kind, message string) Notice {
	nt := Notice{ID: uuid.NewString(), Kind: kind, Message: message, CreatedAt: time.Now().UTC()}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nt
	}
	n.active = append(n.active, nt)
	n.timers[nt.ID] = time.AfterFunc(n.interval, func() { n.Dismiss(nt.ID) })
	n.notifyLocked()
	return nt
}

// Dismiss clears a message early.
func (n *Notices) Dismiss(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.timers[id]; ok {
		t.Stop()
		delete(n.timers, id)
	}
	for i, nt := range n.active {
		if nt.ID == id {
			n.active = append(n.active[:i:i], n.active[i+1:]...)
			n.notifyLocked()
			return true
		}
	}
	return false
}

// Active returns the messages currently shown, oldest first.
func (n *Notices) Active() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice{}, n.active...)
}

// Subscribe returns a channel receiving the active messages after every change.
func (n *Notices) Subscribe() (<-chan []Notice, func()) {
	ch := make(chan []Notice, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	ch <- append([]Notice{}, n.active...)
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
}

// Close stops pending timers and drops all messages.
func (n *Notices) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.active = nil
	n.closed = true
}

func (n *Notices) notifyLocked() {
	view := append([]Notice{}, n.active...)
	for ch := range n.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}
