package actuator

import (
	"context"
	"sync"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// Write is one recorded FakeSink call.
type Write struct {
	Protocol shared.Protocol
	On       bool
}

// FakeSink records writes for test assertions.
type FakeSink struct {
	mu sync.Mutex

	// SetError, if set, is returned by Set after recording the call.
	SetError error
	writes   []Write
	closed   bool
}

func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (f *FakeSink) Name() string { return "fake" }

func (f *FakeSink) Set(_ context.Context, p shared.Protocol, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{Protocol: p, On: on})
	return f.SetError
}

func (f *FakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Writes returns a copy of the recorded writes.
func (f *FakeSink) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *FakeSink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
