package events

import "sync"

type Type string

const (
	// ChatChanged fires when a session switches to another chat or draft.
	ChatChanged Type = "chatChanged"
	// ChatsShouldRefresh fires when the chat list of an identity changed.
	ChatsShouldRefresh Type = "chatsShouldRefresh"
)

type Event struct {
	Type   Type   `json:"type"`
	UID    string `json:"-"`
	ChatID string `json:"chatId,omitempty"`
}

// Bus fans events out to subscribers synchronously. Subscribers must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: map[int]func(Event){}}
}

// Subscribe registers fn and returns the function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(e)
	}
}
