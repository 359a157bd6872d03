package service

import "sync"

// splitLocks обеспечивает не более одной мутирующей операции на счёт.
// Мьютексы разных счетов независимы; записи живут до остановки процесса.
type splitLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newSplitLocks() *splitLocks {
	return &splitLocks{m: make(map[string]*sync.Mutex)}
}

// lock захватывает мьютекс счёта и возвращает функцию освобождения.
func (l *splitLocks) lock(splitID string) func() {
	l.mu.Lock()
	m, ok := l.m[splitID]
	if !ok {
		m = &sync.Mutex{}
		l.m[splitID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
