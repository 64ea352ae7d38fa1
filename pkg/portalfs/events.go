package portalfs

import (
	"strings"
	"sync"
	"time"
)

// ChangeType classifies a change event.
type ChangeType int

const (
	Created ChangeType = iota + 1
	Changed
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent reports a change to one path.
type ChangeEvent struct {
	Type ChangeType
	Path string
}

// DefaultDebounce is the window over which change events are coalesced.
const DefaultDebounce = 5 * time.Millisecond

type subscription struct {
	ch        chan []ChangeEvent
	prefix    string
	recursive bool
}

func (s *subscription) matches(p string) bool {
	if s.prefix == "" || p == s.prefix {
		return true
	}
	base := strings.TrimSuffix(s.prefix, "/") + "/"
	if !strings.HasPrefix(p, base) {
		return false
	}
	return s.recursive || !strings.Contains(strings.TrimPrefix(p, base), "/")
}

// broadcaster buffers change events and publishes them in batches once the
// debounce window elapses.
type broadcaster struct {
	mu       sync.Mutex
	debounce time.Duration
	pending  []ChangeEvent
	timer    *time.Timer
	subs     map[*subscription]struct{}
	closed   bool
}

func newBroadcaster(debounce time.Duration) *broadcaster {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &broadcaster{debounce: debounce, subs: make(map[*subscription]struct{})}
}

func (b *broadcaster) subscribe(prefix string, recursive bool) (<-chan []ChangeEvent, func()) {
	s := &subscription{ch: make(chan []ChangeEvent, 64), prefix: prefix, recursive: recursive}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

func (b *broadcaster) fire(e ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, p := range b.pending {
		if p == e {
			return
		}
	}
	b.pending = append(b.pending, e)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.flush)
	}
}

func (b *broadcaster) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	if len(batch) == 0 {
		return
	}

	for s := range b.subs {
		var matched []ChangeEvent
		for _, e := range batch {
			if s.matches(e.Path) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}
		select {
		case s.ch <- matched:
		default:
			// slow consumer
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
