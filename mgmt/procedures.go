// Package mgmt implements KNX management procedures: network scans, individual and domain address
// assignment, programming mode control, chunked memory access and secure device commissioning.
//
// Procedures combine the services of a TransportLayer and a ManagementClient into multi-step
// operations. Every destination a procedure creates is destroyed before it returns, and procedures
// changing the response timeout of the client hold the client lock and restore the timeout on exit.
//
// Discovery procedures treat a missing response as a negative result, while procedures addressing a
// known device return an error wrapping knx.ErrTimeout.
package mgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-knx/internal/pool"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/logger"
)

// Interface objects and properties used by the procedures.
const (
	deviceObjectIndex = 0

	pidDeviceControl = 14
	pidSerialNumber  = 11
	pidProgMode      = 54
	pidMaxAPDULength = 56

	routerObjectType = 6
	pidIPSbcControl  = 120

	securityObjectType = 17
	pidSecurityMode    = 51
	pidToolKey         = 56
)

// Procedures runs management procedures through a transport layer and a management client.
type Procedures struct {
	tl     TransportLayer
	mc     ManagementClient
	logger logger.Logger

	scanPacing          time.Duration
	scanWait            time.Duration
	maxProgModeAttempts int
	settleDelay         time.Duration
	routingSyncDelay    time.Duration
}

// New creates management procedures using tl and mc. The procedures do not take ownership of either.
func New(tl TransportLayer, mc ManagementClient, opts ...Option) (*Procedures, error) {
	if tl == nil || mc == nil {
		return nil, fmt.Errorf("%w: transport layer and management client are required", knx.ErrIllegalArgument)
	}

	p := &Procedures{
		tl:                  tl,
		mc:                  mc,
		logger:              logger.GetLogger(),
		scanPacing:          DefaultScanPacing,
		scanWait:            DefaultScanDisconnectWait,
		maxProgModeAttempts: DefaultMaxProgModeAttempts,
		settleDelay:         DefaultSettleDelay,
		routingSyncDelay:    DefaultRoutingSyncDelay,
	}

	for _, opt := range opts {
		if err := opt.apply(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// scope collects the release functions of acquired resources and runs them in reverse order.
type scope struct {
	releases []func()
}

func (s *scope) add(release func()) {
	s.releases = append(s.releases, release)
}

func (s *scope) close() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

// getOrCreate returns the existing destination for addr or creates one. Created destinations are
// destroyed when sc closes.
func (p *Procedures) getOrCreate(sc *scope, addr knx.IndividualAddress, opts DestinationOptions) (Destination, error) {
	if dst := p.tl.Destination(addr); dst != nil {
		return dst, nil
	}

	dst, err := p.tl.CreateDestination(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("mgmt: create destination %s: %w", addr, err)
	}
	sc.add(func() { p.tl.DestroyDestination(dst) })

	return dst, nil
}

// lockTimeout locks the management client and sets its response timeout to d. The returned
// function restores the previous timeout and unlocks the client.
func (p *Procedures) lockTimeout(d time.Duration) func() {
	p.mc.Lock()
	prev := p.mc.ResponseTimeout()
	p.mc.SetResponseTimeout(d)

	return func() {
		p.mc.SetResponseTimeout(prev)
		p.mc.Unlock()
	}
}

// sleep pauses for d, returning knx.ErrInterrupted if ctx is done first.
func sleep(ctx context.Context, d time.Duration) error {
	if err := pool.Sleep(ctx, d); err != nil {
		return knx.Interrupted(ctx)
	}

	return nil
}

// isTimeout reports whether err is a missing response rather than an interruption.
func isTimeout(err error) bool {
	return errors.Is(err, knx.ErrTimeout) && !knx.IsInterrupted(err)
}
