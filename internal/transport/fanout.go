package transport

import (
	"sync"

	"github.com/rs/zerolog"
)

// Fanout is a subscriber set shared by the transport implementations.
// Handlers are called in subscription order.
type Fanout struct {
	mu   sync.RWMutex
	next uint64
	ids  []uint64
	subs map[uint64]Handler
}

// Add registers h and returns its handle.
func (f *Fanout) Add(h Handler) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[uint64]Handler)
	}
	f.next++
	id := f.next
	f.ids = append(f.ids, id)
	f.subs[id] = h

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() { f.remove(id) })
		return nil
	})
}

func (f *Fanout) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	for i, cur := range f.ids {
		if cur == id {
			f.ids = append(f.ids[:i], f.ids[i+1:]...)
			break
		}
	}
}

// Len reports the number of live subscriptions.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Deliver runs every current handler on data, one after another. Handler
// errors are logged and do not stop delivery to the remaining handlers.
func (f *Fanout) Deliver(data []byte, log zerolog.Logger) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.ids))
	for _, id := range f.ids {
		handlers = append(handlers, f.subs[id])
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		if err := h(data); err != nil {
			log.Error().Err(err).Msg("handler rejected message")
		}
	}
}
