package billing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/likhon-app/likhon/ledger"
)

// DefaultQuantum is the billed time slice: one credit per two seconds.
const DefaultQuantum = 2 * time.Second

// chargeTimeout bounds a single adjustment round trip.
const chargeTimeout = 10 * time.Second

type meterState int

const (
	stateIdle meterState = iota
	stateArmed
	stateCharging
)

// Meter is the billing heartbeat. While a transcription session is active it
// charges one credit per quantum and signals the instant the balance cannot
// sustain another quantum. Charges are strictly serialized: the next quantum
// is armed only after the previous adjustment resolves, so there is never
// more than one in-flight charge per session. The pre-charge decision uses
// the cheap cached balance, but whether to continue is always decided from
// the server-confirmed post-charge value — overspend is bounded to one
// quantum even when the cache is stale.
type Meter struct {
	client  *Client
	quantum time.Duration
	log     *log.Logger

	onCharge    func(newBalance int64)
	onExhausted func()
	onError     func(error)

	mu         sync.Mutex
	state      meterState
	stopped    bool
	timer      *time.Timer
	lastCharge time.Time
}

// NewMeter creates a metering loop charging one credit per quantum through
// the given adjustment client.
func NewMeter(client *Client, quantum time.Duration, logger *log.Logger) *Meter {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	return &Meter{
		client:  client,
		quantum: quantum,
		log:     logger,
	}
}

// OnCharge registers a callback invoked after every successful charge with
// the server-confirmed balance. Must be set before Start.
func (m *Meter) OnCharge(fn func(newBalance int64)) { m.onCharge = fn }

// OnExhausted registers the insufficient-credits signal. Must be set before
// Start.
func (m *Meter) OnExhausted(fn func()) { m.onExhausted = fn }

// OnError registers the billing-error signal, kept distinct from exhaustion
// so a network fault is never presented as "out of credits". Must be set
// before Start.
func (m *Meter) OnError(fn func(error)) { m.onError = fn }

// Start arms the first quantum timer. If the cached balance is already zero
// no timer is armed and the insufficient-credits signal fires immediately.
// Starting a meter that is not idle is a no-op.
func (m *Meter) Start() {
	m.mu.Lock()
	if m.stopped || m.state != stateIdle {
		m.mu.Unlock()
		return
	}
	if m.client.Balance() <= 0 {
		m.mu.Unlock()
		m.emitExhausted()
		return
	}
	m.state = stateArmed
	m.timer = time.AfterFunc(m.quantum, m.tick)
	m.mu.Unlock()
}

// Stop cancels any pending timer immediately. An in-flight charge is allowed
// to complete — the user received that quantum — and its result still
// applies to the cache, but no further quantum is scheduled and no signals
// are emitted afterwards.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.state == stateArmed {
		m.state = stateIdle
	}
}

// tick fires at a quantum boundary and performs one charge.
func (m *Meter) tick() {
	m.mu.Lock()
	if m.stopped || m.state != stateArmed {
		m.mu.Unlock()
		return
	}

	// Guard against timer drift and double-fires: a fire landing well
	// before a full quantum has elapsed since the last charge re-arms for
	// the remainder instead of charging twice.
	if !m.lastCharge.IsZero() {
		if elapsed := time.Since(m.lastCharge); elapsed < m.quantum*95/100 {
			m.timer = time.AfterFunc(m.quantum-elapsed, m.tick)
			m.mu.Unlock()
			return
		}
	}

	m.state = stateCharging
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), chargeTimeout)
	newBalance, err := m.client.Adjust(ctx, -1, ledger.TxUsage, "Live transcription usage")
	cancel()

	m.mu.Lock()
	if m.stopped {
		// Result already applied to the cache by the client; the session
		// is tearing down, so no re-arm and no signals.
		m.state = stateIdle
		m.mu.Unlock()
		return
	}

	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		// The cache was stale — another device drained the balance. No
		// decrement occurred server-side.
		m.state = stateIdle
		m.mu.Unlock()
		m.emitExhausted()
	case err != nil:
		m.state = stateIdle
		m.mu.Unlock()
		m.log.Printf("Charge failed, stopping meter: %v", err)
		m.emitError(err)
	case newBalance > 0:
		m.lastCharge = time.Now()
		m.state = stateArmed
		m.timer = time.AfterFunc(m.quantum, m.tick)
		m.mu.Unlock()
		m.emitCharge(newBalance)
	default:
		// The user paid for and received this quantum, but the balance is
		// now zero: do not re-arm, and signal before the next quantum
		// would be owed.
		m.lastCharge = time.Now()
		m.state = stateIdle
		m.mu.Unlock()
		m.emitCharge(newBalance)
		m.emitExhausted()
	}
}

func (m *Meter) emitCharge(newBalance int64) {
	if m.onCharge != nil {
		m.onCharge(newBalance)
	}
}

func (m *Meter) emitExhausted() {
	if m.onExhausted != nil {
		m.onExhausted()
	}
}

func (m *Meter) emitError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
