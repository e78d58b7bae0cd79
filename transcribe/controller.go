// Package transcribe manages the lifecycle of one external streaming
// transcription session and surfaces a single "is a session live" signal
// that the billing coordinator keys off of. It decouples billing from any
// specific provider's wire protocol: recognized text flows upward unchanged
// through a callback, never through raw provider events.
package transcribe

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/likhon-app/likhon/providers"
)

// ErrSessionClosed is returned by SendAudio when no session is open.
var ErrSessionClosed = errors.New("transcription session is closed")

// Controller owns a providers.Session. Open establishes the streaming
// connection and starts the result collector; Close is idempotent and safe
// to call from any state.
type Controller struct {
	provider providers.Provider
	config   providers.SessionConfig
	log      *log.Logger

	onActive func(bool)
	onResult func(providers.TranscriptionResult)

	mu      sync.Mutex
	session providers.Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewController creates a controller for the given provider and session
// configuration.
func NewController(provider providers.Provider, config providers.SessionConfig, logger *log.Logger) *Controller {
	return &Controller{
		provider: provider,
		config:   config,
		log:      logger,
	}
}

// OnActive registers the session-liveness signal. Must be set before Open.
func (c *Controller) OnActive(fn func(bool)) { c.onActive = fn }

// OnResult registers the transcription result callback. Must be set before
// Open.
func (c *Controller) OnResult(fn func(providers.TranscriptionResult)) { c.onResult = fn }

// Open establishes the provider session and starts collecting results.
// Opening an already-open controller is a no-op.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session, err := c.provider.NewSession(sessionCtx, c.config)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return err
	}

	c.session = session
	c.cancel = cancel
	c.wg.Add(1)
	go c.collector(session)
	c.mu.Unlock()

	c.emitActive(true)
	return nil
}

// SendAudio forwards one chunk of captured audio to the live session.
func (c *Controller) SendAudio(audioData []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrSessionClosed
	}
	return session.SendAudio(audioData)
}

// Close tears down the streaming connection. Idempotent; the result
// collector is drained before Close returns.
func (c *Controller) Close() error {
	c.mu.Lock()
	session := c.session
	cancel := c.cancel
	c.session = nil
	c.cancel = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	// Cancel first so the collector's blocking read unwinds, then close
	// the provider session.
	cancel()
	err := session.Close()
	c.wg.Wait()

	c.emitActive(false)
	return err
}

// collector pumps transcription results until the session ends.
func (c *Controller) collector(session providers.Session) {
	defer c.wg.Done()

	for {
		result, err := session.ReceiveTranscription()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.log.Printf("Provider %s transcription error: %v", c.provider.Name(), err)
			return
		}
		if c.onResult != nil {
			c.onResult(result)
		}
	}
}

func (c *Controller) emitActive(active bool) {
	if c.onActive != nil {
		c.onActive(active)
	}
}
