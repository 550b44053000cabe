package mgmt

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-knx/logger"
)

// Defaults of the procedure timing.
const (
	// DefaultScanPacing is the minimum delay between two connect requests of an address scan.
	DefaultScanPacing = 115 * time.Millisecond
	// DefaultScanDisconnectWait is the time an address scan waits for late disconnects after the
	// last connect request: the transport disconnect timeout of 6 s plus network margin.
	DefaultScanDisconnectWait = 6*time.Second + 1100*time.Millisecond
	// DefaultMaxProgModeAttempts bounds the programming mode reads of WriteAddress.
	DefaultMaxProgModeAttempts = 20
	// DefaultSettleDelay is the time a device is given after a domain address write.
	DefaultSettleDelay = 1 * time.Second
	// DefaultRoutingSyncDelay exceeds the maximum routing timer synchronization of open media.
	DefaultRoutingSyncDelay = 25700 * time.Millisecond

	broadcastTimeout  = 3 * time.Second
	progModeTimeout   = 1 * time.Second
	serialScanTimeout = 7 * time.Second
)

// Option represents a functional option for configuring Procedures.
type Option interface {
	apply(*Procedures) error
}

type optFunc struct {
	name      string
	applyFunc func(*Procedures) error
}

func (o *optFunc) apply(p *Procedures) error {
	if p == nil {
		return ErrOptionNil
	}
	if err := o.applyFunc(p); err != nil {
		return fmt.Errorf("mgmt: %s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*Procedures) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithLogger sets the logger of the procedures.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(p *Procedures) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		p.logger = l

		return nil
	})
}

// WithScanPacing sets the minimum delay between two connect requests of an address scan.
func WithScanPacing(d time.Duration) Option {
	return newOptFunc("WithScanPacing", func(p *Procedures) error {
		if d <= 0 {
			return errors.New("scan pacing must be positive")
		}
		p.scanPacing = d

		return nil
	})
}

// WithScanDisconnectWait sets the time an address scan waits for disconnects after the last connect request.
func WithScanDisconnectWait(d time.Duration) Option {
	return newOptFunc("WithScanDisconnectWait", func(p *Procedures) error {
		if d < 0 {
			return errors.New("scan disconnect wait is negative")
		}
		p.scanWait = d

		return nil
	})
}

// WithMaxProgModeAttempts sets how often WriteAddress reads the devices in programming mode
// before it gives up.
func WithMaxProgModeAttempts(n int) Option {
	return newOptFunc("WithMaxProgModeAttempts", func(p *Procedures) error {
		if n < 1 {
			return errors.New("attempts must be at least 1")
		}
		p.maxProgModeAttempts = n

		return nil
	})
}

// WithDomainDelays sets the settle delay after a domain address write and the additional routing
// timer synchronization delay of open media.
func WithDomainDelays(settle, routingSync time.Duration) Option {
	return newOptFunc("WithDomainDelays", func(p *Procedures) error {
		if settle < 0 || routingSync < 0 {
			return errors.New("delay is negative")
		}
		p.settleDelay = settle
		p.routingSyncDelay = routingSync

		return nil
	})
}
