package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

var (
	// ErrDuplicateIntent is returned when an intent id was already dispatched.
	ErrDuplicateIntent = errors.New("dispatch: intent already dispatched")
	// ErrUnauthorized is reported when the vault does not recognise this monitor as its caller.
	ErrUnauthorized = errors.New("dispatch: monitor not authorized by vault")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: closed")
)

const defaultRemember = 256

// Request is what the vault receives for one intent.
type Request struct {
	IdempotencyKey string
	Direction      threshold.Direction
	Amount         uint256.Int
	IssuedAt       time.Time
}

// Receipt is the vault's final answer for a request.
type Receipt struct {
	TxHash  string
	Success bool
	Reason  string
}

// Vault is the funds custodian as seen by the dispatcher.
type Vault interface {
	// Rebalance performs the action and blocks until it is final or ctx ends.
	Rebalance(ctx context.Context, req Request) (Receipt, error)
	// AuthorizedCaller returns the identity the vault accepts rebalance calls from.
	AuthorizedCaller(ctx context.Context) (string, error)
}

// CompletionFunc receives exactly one completion per accepted intent.
type CompletionFunc func(rebalance.ActionCompleted)

// Options tune the dispatcher.
type Options struct {
	// MaxInFlight bounds how long an action may run before a timeout is synthesized.
	MaxInFlight time.Duration
	// Caller is this monitor's identity. Empty disables the authorization check.
	Caller string
	// Remember is how many recent intent ids are kept for duplicate detection.
	Remember int
	// Clock stamps completions; defaults to wall time.
	Clock func() time.Time
}

// Dispatcher turns intents into vault calls and reports their outcome.
type Dispatcher struct {
	vault    Vault
	opts     Options
	complete CompletionFunc
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	seen       map[rebalance.IntentID]struct{}
	order      []rebalance.IntentID
	authorized bool
	closed     bool
	wg         sync.WaitGroup
}

// New constructs a Dispatcher.
func New(vault Vault, opts Options, complete CompletionFunc, logger zerolog.Logger) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 10 * time.Minute
	}
	if opts.Remember <= 0 {
		opts.Remember = defaultRemember
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		vault:    vault,
		opts:     opts,
		complete: complete,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      now,
		seen:     make(map[rebalance.IntentID]struct{}, opts.Remember),
	}
}

// Dispatch starts the external action for intent and returns immediately.
// A second call with the same intent id is rejected with ErrDuplicateIntent.
func (d *Dispatcher) Dispatch(ctx context.Context, intent rebalance.Intent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, dup := d.seen[intent.ID]; dup {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateIntent, intent.ID)
	}
	d.remember(intent.ID)
	d.wg.Add(1)
	d.mu.Unlock()

	// Once dispatched an action is not cancellable; only MaxInFlight ends it.
	go d.execute(context.WithoutCancel(ctx), intent)
	return nil
}

// Close stops accepting intents and waits for running actions to report.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) remember(id rebalance.IntentID) {
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.opts.Remember {
		evicted := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evicted)
	}
}

func (d *Dispatcher) execute(ctx context.Context, intent rebalance.Intent) {
	defer d.wg.Done()

	started := d.now()
	completion := d.run(ctx, intent)
	completion.Handle = intent.ID
	completion.At = d.now()

	logEvent := d.logger.Info()
	if completion.Outcome != rebalance.OutcomeSuccess {
		logEvent = d.logger.Warn().Err(completion.Err)
	}
	logEvent.Str("intent", string(intent.ID)).
		Str("direction", intent.Direction.String()).
		Str("outcome", completion.Outcome.String()).
		Str("tx", completion.TxHash).
		Dur("elapsed", completion.At.Sub(started)).
		Msg("rebalance action finished")

	if d.complete != nil {
		d.complete(completion)
	}
}

type vaultResult struct {
	receipt Receipt
	err     error
}

func (d *Dispatcher) run(parent context.Context, intent rebalance.Intent) rebalance.ActionCompleted {
	ctx, cancel := context.WithTimeout(parent, d.opts.MaxInFlight)
	defer cancel()

	if err := d.authorize(ctx); err != nil {
		return rebalance.ActionCompleted{Outcome: rebalance.OutcomeFailure, Err: err}
	}

	req := Request{
		IdempotencyKey: string(intent.ID),
		Direction:      intent.Direction,
		Amount:         intent.Amount,
		IssuedAt:       intent.IssuedAt,
	}

	results := make(chan vaultResult, 1)
	go func() {
		receipt, err := d.vault.Rebalance(ctx, req)
		results <- vaultResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return rebalance.ActionCompleted{Outcome: rebalance.OutcomeTimeout, Err: res.err}
			}
			return rebalance.ActionCompleted{Outcome: rebalance.OutcomeFailure, Err: res.err}
		}
		if !res.receipt.Success {
			reason := res.receipt.Reason
			if reason == "" {
				reason = "vault reported failure"
			}
			return rebalance.ActionCompleted{Outcome: rebalance.OutcomeFailure, TxHash: res.receipt.TxHash, Err: errors.New(reason)}
		}
		return rebalance.ActionCompleted{Outcome: rebalance.OutcomeSuccess, TxHash: res.receipt.TxHash}
	case <-ctx.Done():
		// the vault goroutine may still finish later; its result is dropped
		return rebalance.ActionCompleted{
			Outcome: rebalance.OutcomeTimeout,
			Err:     fmt.Errorf("no completion within %s: %w", d.opts.MaxInFlight, ctx.Err()),
		}
	}
}

func (d *Dispatcher) authorize(ctx context.Context) error {
	if d.opts.Caller == "" {
		return nil
	}

	d.mu.Lock()
	ok := d.authorized
	d.mu.Unlock()
	if ok {
		return nil
	}

	caller, err := d.vault.AuthorizedCaller(ctx)
	if err != nil {
		return fmt.Errorf("query authorized caller: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(caller), strings.TrimSpace(d.opts.Caller)) {
		return fmt.Errorf("%w: vault expects %s, monitor is %s", ErrUnauthorized, caller, d.opts.Caller)
	}

	d.mu.Lock()
	d.authorized = true
	d.mu.Unlock()
	return nil
}

var _ rebalance.Dispatcher = (*Dispatcher)(nil)
