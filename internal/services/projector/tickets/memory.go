package tickets

import (
	"context"
	"sync"
)

// Memory keeps outcomes in process. The newest outcome per correlation id
// wins.
type Memory struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	waiters  map[string][]chan Outcome
}

// NewMemory returns an empty ticket store.
func NewMemory() *Memory {
	return &Memory{
		outcomes: make(map[string]Outcome),
		waiters:  make(map[string][]chan Outcome),
	}
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome.CorrelationID] = outcome
	for _, ch := range m.waiters[outcome.CorrelationID] {
		ch <- outcome
	}
	delete(m.waiters, outcome.CorrelationID)
	return nil
}

// Get returns the stored outcome for id.
func (m *Memory) Get(_ context.Context, id string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[id]
	if !ok {
		return Outcome{}, ErrTicketNotFound
	}
	return outcome, nil
}

// Wait blocks until an outcome for id is published or ctx ends.
func (m *Memory) Wait(ctx context.Context, id string) (Outcome, error) {
	m.mu.Lock()
	if outcome, ok := m.outcomes[id]; ok {
		m.mu.Unlock()
		return outcome, nil
	}
	ch := make(chan Outcome, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		m.removeWaiter(id, ch)
		return Outcome{}, ctx.Err()
	}
}

func (m *Memory) removeWaiter(id string, ch chan Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[id]
	for i, w := range waiters {
		if w == ch {
			m.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}
