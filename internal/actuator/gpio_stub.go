//go:build !linux

package actuator

import (
	"context"
	"errors"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// GPIOSink is not available on non-Linux platforms.
type GPIOSink struct{}

func NewGPIOSink(chipName string, pins map[string]int) (*GPIOSink, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (s *GPIOSink) Name() string { return "gpio" }

func (s *GPIOSink) Set(context.Context, shared.Protocol, bool) error {
	return errors.New("gpio: not supported")
}

func (s *GPIOSink) Close() error { return nil }
