package service

import (
	"context"
	"sync"

	"github.com/wesplit/settlement/internal/model"
)

// broadcaster рассылает события смены состояния подписчикам.
// Подписка действует с момента оформления, без воспроизведения истории;
// медленный подписчик теряет события, но не блокирует машину состояний.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan model.Transition]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan model.Transition]struct{})}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan model.Transition {
	ch := make(chan model.Transition, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *broadcaster) publish(t model.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
