// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/spend"
)

var (
	// ErrAlreadyStarted is returned when a controller is started twice.
	ErrAlreadyStarted = errors.New("controller already started")

	// ErrNotStarted is returned when an action is sent to a controller
	// that was never started.
	ErrNotStarted = errors.New("controller not started")

	// ErrShuttingDown is returned when an action is sent to a controller
	// that has stopped.
	ErrShuttingDown = errors.New("controller shutting down")

	// ErrMissingConfig is returned when a controller is created without
	// one of its dependencies.
	ErrMissingConfig = errors.New("missing controller config")
)

// PsbtBuilder builds the signed PSBT set of a session.
type PsbtBuilder interface {
	Build(ctx context.Context, req psbtbuild.Request) (psbtbuild.SignedSet,
		error)
}

// SecondSigner applies the second signature.
type SecondSigner interface {
	ApplySecondSignature(ctx context.Context, req signer.Request) (
		*spend.Psbt, error)
}

// Publisher broadcasts a fully signed transfer.
type Publisher interface {
	Broadcast(ctx context.Context, req broadcast.Request) (
		*broadcast.Receipt, error)
}

// SignalFeed provides the current spending limit signal and its changes.
type SignalFeed interface {
	// Current returns the latest signal.
	Current() policy.Signal

	// Subscribe returns a channel of signal changes and a function that
	// ends the subscription.
	Subscribe() (<-chan policy.Signal, func())
}

// A compile time check to ensure the coordinators and the monitor can be
// wired into a controller.
var (
	_ PsbtBuilder  = (*psbtbuild.Builder)(nil)
	_ SecondSigner = (*signer.Coordinator)(nil)
	_ Publisher    = (*broadcast.Coordinator)(nil)
	_ SignalFeed   = (*policy.Monitor)(nil)
)

// Config holds the dependencies and the initial request of a Controller.
type Config struct {
	Builder   PsbtBuilder
	Signer    SecondSigner
	Publisher Publisher

	// Signals is optional. Without it the session keeps Signal for its
	// lifetime.
	Signals SignalFeed
	Signal  policy.Signal

	Recipient spend.Recipient
	Amount    spend.Amount
	Quotes    fee.QuoteSet

	// Selected is the tier selected when the flow starts, usually the
	// user's standing preference.
	Selected fee.Priority
}

// Controller runs one confirmation flow. A single loop owns the session
// and applies every event to it in order. Effects run in their own
// goroutines and report back through the loop. The signer's attempt ids
// are per controller, so a signer.Coordinator must not be shared between
// controllers.
type Controller struct {
	cfg Config

	started atomic.Bool

	// lifetimeCtx governs the loop and every effect. It is cancelled by
	// Stop and once the flow reaches a terminal state.
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	requestChan chan eventReq
	resultChan  chan Event
	updates     chan Session
	done        chan struct{}

	mu       sync.RWMutex
	snapshot Session

	// cancelHardware cancels the hardware interaction in progress. It is
	// only touched by the loop.
	cancelHardware  context.CancelFunc
	hardwareAttempt uint64

	wg sync.WaitGroup
}

// New returns a controller for cfg. Start runs it.
func New(cfg Config) (*Controller, error) {
	if cfg.Builder == nil || cfg.Signer == nil || cfg.Publisher == nil {
		return nil, ErrMissingConfig
	}

	if cfg.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: %w", ErrMissingConfig,
			spend.ErrNoRecipient)
	}

	if cfg.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrMissingConfig)
	}

	return &Controller{
		cfg:         cfg,
		requestChan: make(chan eventReq),
		resultChan:  make(chan Event),
		updates:     make(chan Session, 1),
		done:        make(chan struct{}),
	}, nil
}

// Start creates the session and starts building its signed set.
func (c *Controller) Start(_ context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.lifetimeCtx, c.cancel = context.WithCancel(context.Background())

	signal := c.cfg.Signal
	var (
		signals     <-chan policy.Signal
		unsubscribe = func() {}
	)
	if c.cfg.Signals != nil {
		signals, unsubscribe = c.cfg.Signals.Subscribe()
		signal = c.cfg.Signals.Current()
	}

	session, effect := NewSession(
		c.cfg.Recipient, c.cfg.Amount, c.cfg.Quotes, c.cfg.Selected,
		signal,
	)
	c.publish(session)

	log.Infof("Starting confirmation of %v to %v at %v", c.cfg.Amount,
		c.cfg.Recipient, c.cfg.Selected)

	c.wg.Add(1)
	go c.mainLoop(session, effect, signals, unsubscribe)

	return nil
}

// Stop shuts the flow down and waits for the loop and every effect to
// exit. It returns an error if ctx is done first.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		return fmt.Errorf("stop request cancelled: %w", ctx.Err())
	}
}

// Done is closed when the loop has exited, either because the flow ended
// or because the controller was stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Updates delivers the session after every change. Only the latest session
// is kept for a slow reader. The channel is closed when the loop exits.
func (c *Controller) Updates() <-chan Session {
	return c.updates
}

// Snapshot returns the current session.
func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshot
}

// SelectPriority switches to another built tier.
func (c *Controller) SelectPriority(ctx context.Context,
	p fee.Priority) error {

	return c.send(ctx, SelectPriority{Priority: p})
}

// OpenSheet shows an informational sheet.
func (c *Controller) OpenSheet(ctx context.Context, sheet Sheet) error {
	return c.send(ctx, OpenSheet{Sheet: sheet})
}

// CloseSheet hides the current sheet.
func (c *Controller) CloseSheet(ctx context.Context) error {
	return c.send(ctx, CloseSheet{})
}

// Confirm signs and broadcasts the selected tier.
func (c *Controller) Confirm(ctx context.Context) error {
	return c.send(ctx, Confirm{})
}

// FallbackToHardware signs with the hardware device after the co-signing
// service failed.
func (c *Controller) FallbackToHardware(ctx context.Context) error {
	return c.send(ctx, FallbackToHardware{})
}

// CancelHardware cancels the hardware interaction in progress.
func (c *Controller) CancelHardware(ctx context.Context) error {
	return c.send(ctx, CancelHardware{})
}

// Retry returns to the confirmation view after a retryable failure.
func (c *Controller) Retry(ctx context.Context) error {
	return c.send(ctx, Retry{})
}

// Exit leaves the flow.
func (c *Controller) Exit(ctx context.Context) error {
	return c.send(ctx, Exit{})
}

// Restart re-enters the flow with a new amount and its quotes, discarding
// every PSBT built so far. A nil quote set keeps the current one.
func (c *Controller) Restart(ctx context.Context, amount spend.Amount,
	quotes fee.QuoteSet) error {

	return c.send(ctx, Restart{Amount: amount, Quotes: quotes})
}

// mainLoop applies events to the session until the flow ends or the
// controller is stopped.
func (c *Controller) mainLoop(session Session, effect Effect,
	signals <-chan policy.Signal, unsubscribe func()) {

	defer c.wg.Done()
	defer close(c.done)
	defer close(c.updates)
	defer unsubscribe()

	c.run(effect)

	for {
		var (
			ev   Event
			resp chan error
		)

		select {
		case req := <-c.requestChan:
			ev, resp = req.event, req.resp

		case ev = <-c.resultChan:

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			ev = SignalChanged{Signal: sig}

		case <-c.lifetimeCtx.Done():
			log.Debugf("Controller stopped in %v", session.State)
			return
		}

		next, effect, err := Transition(session, ev)
		if err != nil {
			log.Debugf("Rejected %T in %v: %v", ev, session.State, err)

			if resp != nil {
				resp <- err
			}

			continue
		}

		if next.State.String() != session.State.String() {
			log.Infof("Transfer %v -> %v", session.State, next.State)
		}

		// The snapshot is updated before the caller is answered.
		session = next
		c.publish(session)
		if resp != nil {
			resp <- nil
		}

		c.run(effect)

		if session.State.Terminal() {
			log.Infof("Confirmation flow ended in %v", session.State)
			c.cancel()

			return
		}
	}
}

// run starts effect.
func (c *Controller) run(effect Effect) {
	switch e := effect.(type) {
	case nil:

	case BuildEffect:
		c.goEffect(func(ctx context.Context) Event {
			set, err := c.cfg.Builder.Build(ctx, e.Request)
			return BuildFinished{
				Generation: e.Generation,
				Set:        set,
				Err:        err,
			}
		})

	case SignEffect:
		ctx, cancel := context.WithCancel(c.lifetimeCtx)

		// Only the hardware interaction can be cancelled by the user.
		if e.Request.Factor == policy.FactorHardware {
			c.cancelHardware = cancel
			c.hardwareAttempt = e.Request.Attempt
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer cancel()

			p, err := c.cfg.Signer.ApplySecondSignature(ctx, e.Request)
			c.deliver(SigningFinished{
				Attempt: e.Request.Attempt,
				Psbt:    p,
				Err:     err,
			})
		}()

	case CancelSignEffect:
		if c.cancelHardware != nil && c.hardwareAttempt == e.Attempt {
			log.Infof("Cancelling hardware signing of attempt %d",
				e.Attempt)

			c.cancelHardware()
			c.cancelHardware = nil
		}

	case BroadcastEffect:
		c.cancelHardware = nil

		c.goEffect(func(ctx context.Context) Event {
			receipt, err := c.cfg.Publisher.Broadcast(ctx, e.Request)
			return BroadcastFinished{
				Attempt: e.Attempt,
				Receipt: receipt,
				Err:     err,
			}
		})

	default:
		log.Errorf("Unknown effect %T", effect)
	}
}

// goEffect runs f in a goroutine bound to the controller's lifetime and
// feeds its event back to the loop.
func (c *Controller) goEffect(f func(ctx context.Context) Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.deliver(f(c.lifetimeCtx))
	}()
}

// deliver hands an effect's completion to the loop.
func (c *Controller) deliver(ev Event) {
	select {
	case c.resultChan <- ev:
	case <-c.lifetimeCtx.Done():
	}
}

// publish stores the session as the latest snapshot and offers it to the
// updates channel, replacing an unread one.
func (c *Controller) publish(s Session) {
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()

	select {
	case <-c.updates:
	default:
	}

	c.updates <- s
}

// eventReq is a user event waiting to be applied by the loop.
type eventReq struct {
	event Event
	resp  chan error
}

// newEventReq creates a request with a buffered response channel so the
// loop never blocks when reporting the result.
func newEventReq(ev Event) eventReq {
	return eventReq{
		event: ev,
		resp:  make(chan error, 1),
	}
}

// send applies ev through the loop and returns the transition's error.
func (c *Controller) send(ctx context.Context, ev Event) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	req := newEventReq(ev)

	err := c.sendReq(ctx, req)
	if err != nil {
		return err
	}

	return c.waitForResp(ctx, req.resp)
}

// sendReq sends a request to the main loop or handles cancellation.
func (c *Controller) sendReq(ctx context.Context, req eventReq) error {
	select {
	case c.requestChan <- req:
		return nil

	case <-c.lifetimeCtx.Done():
		return ErrShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResp waits for the response of a request or handles
// cancellation.
func (c *Controller) waitForResp(ctx context.Context,
	resp <-chan error) error {

	select {
	case err := <-resp:
		return err

	case <-c.lifetimeCtx.Done():
		// The loop answers before it exits, so a terminal transition
		// still reports its result.
		select {
		case err := <-resp:
			return err
		default:
			return ErrShuttingDown
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}
