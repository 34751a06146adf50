package testutil

import (
	"context"
	"sync"
)

// Gate holds callers in Wait until Open is called. Tests use it to keep a
// remote call in flight.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

// Wait signals Entered and blocks until Open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entered receives once per caller that reached Wait.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Open releases all current and future callers.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.release) })
}
