//go:build linux

package actuator

import (
	"context"
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// GPIOSink drives one output line per channel on a GPIO character device.
type GPIOSink struct {
	chip  *gpiocdev.Chip
	lines map[shared.Protocol]*gpiocdev.Line
}

// NewGPIOSink requests each pin as an output, initially low.
func NewGPIOSink(chipName string, pins map[string]int) (*GPIOSink, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer("lampd"))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	s := &GPIOSink{chip: chip, lines: make(map[shared.Protocol]*gpiocdev.Line, len(pins))}
	for key, pin := range pins {
		p, err := shared.ParseProtocol(key)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("gpio pin %q: %w", key, err)
		}
		line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", p, pin, err)
		}
		s.lines[p] = line
	}
	return s, nil
}

func (s *GPIOSink) Name() string { return "gpio" }

func (s *GPIOSink) Set(_ context.Context, p shared.Protocol, on bool) error {
	line, ok := s.lines[p]
	if !ok {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set %s pin: %w", p, err)
	}
	return nil
}

// Close returns every line to input with pull-down, matching the Pi boot
// defaults, before releasing the chip.
func (s *GPIOSink) Close() error {
	var errs []error
	for p, line := range s.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", p, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", p, err))
		}
	}
	s.lines = nil
	if s.chip != nil {
		if err := s.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		s.chip = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
