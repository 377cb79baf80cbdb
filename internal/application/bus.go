package application

import (
	"sync"

	"github.com/Bafix001/zibridge/internal/domain"
)

// StatusBus fans snapshot status changes out to waiters.
type StatusBus struct {
	mu   sync.Mutex
	subs map[uint]map[chan domain.Snapshot]struct{}
}

func NewStatusBus() *StatusBus {
	return &StatusBus{subs: make(map[uint]map[chan domain.Snapshot]struct{})}
}

// Subscribe registers for updates of one snapshot. The cancel func must be
// called once the caller stops reading.
func (b *StatusBus) Subscribe(snapshotID uint) (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)
	b.mu.Lock()
	if b.subs[snapshotID] == nil {
		b.subs[snapshotID] = make(map[chan domain.Snapshot]struct{})
	}
	b.subs[snapshotID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[snapshotID], ch)
		if len(b.subs[snapshotID]) == 0 {
			delete(b.subs, snapshotID)
		}
	}
}

// Publish never blocks; a slow subscriber only keeps the latest value.
func (b *StatusBus) Publish(s domain.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[s.ID] {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
