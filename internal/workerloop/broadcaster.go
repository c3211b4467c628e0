package workerloop

import (
	"sync"

	"github.com/pressplay/automation/pkg/types"
)

// broadcaster fans one stream of progress snapshots out to many observers
// (e.g. a status command and a tray UI watching the same operation). Each
// subscriber gets its own drop-oldest capacity-1 channel, the same
// backpressure policy the reporter itself uses, so one slow observer never
// stalls another. The subscriber list is capped at types.MaxSubscribers; a
// new subscriber past the bound evicts the oldest one (spec.md §5).
type broadcaster struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch chan types.CompressionProgress
}

func newBroadcaster() *broadcaster {
	return &broadcaster{}
}

// Subscribe returns a read channel and an unsubscribe func. Callers must
// call unsubscribe when done, or their slot leaks until evicted by churn.
func (b *broadcaster) Subscribe() (<-chan types.CompressionProgress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= types.MaxSubscribers {
		oldest := b.subs[0]
		b.subs = b.subs[1:]
		close(oldest.ch)
	}

	sub := &subscriber{ch: make(chan types.CompressionProgress, types.ProgressChannelCap)}
	b.subs = append(b.subs, sub)
	return sub.ch, func() { b.unsubscribe(sub) }
}

func (b *broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

func (b *broadcaster) publish(p types.CompressionProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- p:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- p:
		default:
		}
	}
}
