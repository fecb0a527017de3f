// Package actuator drives physical lamp outputs from coordinator events.
// A Sink receives a lamp level per channel; the Driver fans channel changes
// out to every configured sink.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/metrics"
	"github.com/YassineXScenery/lampsync/internal/shared"
)

// Sink sets the lamp output for one channel.
type Sink interface {
	Name() string
	// Set drives the lamp for protocol p. Errors are reported but never
	// stop the driver.
	Set(ctx context.Context, p shared.Protocol, on bool) error
	Close() error
}

// Source is the coordinator surface the driver listens to.
type Source interface {
	Snapshot() coordinator.State
	Subscribe(buffer int) (<-chan coordinator.Event, func())
}

const (
	setTimeout  = 5 * time.Second
	eventBuffer = 32
)

type Driver struct {
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	last        map[shared.Protocol]bool
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewDriver(sinks []Sink, logger *zap.Logger, m *metrics.Metrics) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		sinks:   sinks,
		logger:  logger,
		metrics: m,
		last:    make(map[shared.Protocol]bool, len(shared.Protocols)),
	}
}

// Start pushes the current lamp levels to every sink, then follows
// channel changes until Stop.
func (d *Driver) Start(src Source) error {
	d.mu.Lock()
	if d.unsubscribe != nil {
		d.mu.Unlock()
		return fmt.Errorf("actuator driver already started")
	}
	events, cancel := src.Subscribe(eventBuffer)
	d.unsubscribe = cancel
	d.mu.Unlock()

	snap := src.Snapshot()
	for _, p := range shared.Protocols {
		d.apply(p, snap.Channels[p].Lamp == shared.LampOn, true)
	}

	d.wg.Add(1)
	go d.run(events)

	d.logger.Info("actuator driver started", zap.Int("sinks", len(d.sinks)))
	return nil
}

// Stop ends event delivery and closes every sink.
func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) run(events <-chan coordinator.Event) {
	defer d.wg.Done()
	for ev := range events {
		if ev.Type != coordinator.EventChannelChanged {
			continue
		}
		d.apply(ev.Protocol, ev.Lamp == shared.LampOn, false)
	}
}

// apply forwards a lamp level to the sinks. Button-only changes leave the
// level untouched and are skipped unless force is set.
func (d *Driver) apply(p shared.Protocol, on bool, force bool) {
	d.mu.Lock()
	prev, known := d.last[p]
	d.last[p] = on
	d.mu.Unlock()

	if known && prev == on && !force {
		return
	}

	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
		err := s.Set(ctx, p, on)
		cancel()
		if err != nil {
			d.metrics.RecordActuatorError(s.Name())
			d.logger.Warn("actuator write failed",
				zap.String("sink", s.Name()),
				zap.String("protocol", string(p)),
				zap.Bool("on", on),
				zap.Error(err))
			continue
		}
		d.logger.Debug("lamp output set",
			zap.String("sink", s.Name()),
			zap.String("protocol", string(p)),
			zap.Bool("on", on))
	}
}
