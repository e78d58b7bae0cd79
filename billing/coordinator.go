package billing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/likhon-app/likhon/ledger"
)

// SessionController is the transcription-session side of the coordinator:
// it owns the external streaming connection's lifecycle. Open and Close are
// implemented by transcribe.Controller; Close must be idempotent.
type SessionController interface {
	Open(ctx context.Context) error
	Close() error
}

// Coordinator keeps the metering loop in lockstep with the transcription
// session: billing starts only once the session is open, and stops before or
// together with capture teardown — never after. It is the single point that
// decides session teardown and the only component that invokes the
// caller-visible notifications, each at most once per session.
type Coordinator struct {
	controller SessionController
	client     *Client
	quantum    time.Duration
	log        *log.Logger

	onInsufficient func()
	onBillingErr   func(error)
	onCharge       func(newBalance int64)

	mu     sync.Mutex
	active bool
	meter  *Meter
	notify *sync.Once
}

// NewCoordinator wires a session controller to a ledger adjustment client.
func NewCoordinator(controller SessionController, client *Client, quantum time.Duration, logger *log.Logger) *Coordinator {
	return &Coordinator{
		controller: controller,
		client:     client,
		quantum:    quantum,
		log:        logger,
	}
}

// OnInsufficientCredits registers the caller's top-up prompt. Invoked at
// most once per session, after the session has been stopped.
func (c *Coordinator) OnInsufficientCredits(fn func()) { c.onInsufficient = fn }

// OnBillingError registers the caller's billing-fault notification, surfaced
// distinctly from insufficient credits so the UI can offer "retry" rather
// than "buy credits". Invoked at most once per session.
func (c *Coordinator) OnBillingError(fn func(error)) { c.onBillingErr = fn }

// OnCharge registers a per-quantum balance notification.
func (c *Coordinator) OnCharge(fn func(newBalance int64)) { c.onCharge = fn }

// StartSession seeds the balance cache, opens the transcription session and
// starts the metering loop. Calling it while a session is active is a no-op.
// A zero balance refuses the session before any capture is opened and fires
// the insufficient-credits notification.
func (c *Coordinator) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}

	if err := c.client.Refresh(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	notify := &sync.Once{}
	c.notify = notify
	if c.client.Balance() <= 0 {
		c.mu.Unlock()
		notify.Do(c.notifyInsufficient)
		return ledger.ErrInsufficientCredits
	}

	if err := c.controller.Open(ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	meter := NewMeter(c.client, c.quantum, c.log)
	meter.OnCharge(func(newBalance int64) {
		if c.onCharge != nil {
			c.onCharge(newBalance)
		}
	})
	meter.OnExhausted(func() {
		c.StopSession()
		notify.Do(c.notifyInsufficient)
	})
	meter.OnError(func(err error) {
		c.StopSession()
		notify.Do(func() { c.notifyBillingError(err) })
	})

	c.meter = meter
	c.active = true
	c.mu.Unlock()

	meter.Start()
	return nil
}

// StopSession stops billing first, then tears down capture. Safe to call
// from any state, including from meter signals.
func (c *Coordinator) StopSession() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	meter := c.meter
	c.meter = nil
	c.mu.Unlock()

	if meter != nil {
		meter.Stop()
	}
	if err := c.controller.Close(); err != nil {
		c.log.Printf("Error closing transcription session: %v", err)
	}
}

// Active reports whether a session is currently open and metered.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) notifyInsufficient() {
	if c.onInsufficient != nil {
		c.onInsufficient()
	}
}

func (c *Coordinator) notifyBillingError(err error) {
	if c.onBillingErr != nil {
		c.onBillingErr(err)
	}
}
