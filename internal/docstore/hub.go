package docstore

import (
	"sync"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 256

// hub fans committed changes out to subscribers. Publishing never blocks;
// a slow subscriber misses events and is expected to re-read the feed.
type hub struct {
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[int]chan Change
	nextID int
	closed bool
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{logger: logger, subs: make(map[int]chan Change)}
}

func (h *hub) subscribe() (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Change, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- c:
		default:
			h.logger.Debug().Int("subscriber", id).Uint64("seq", c.Seq).Msg("subscriber full, change dropped")
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
