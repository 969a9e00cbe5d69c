package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/FrankiePower/Reactive-autolend/internal/alerting"
	"github.com/FrankiePower/Reactive-autolend/internal/dispatch"
	"github.com/FrankiePower/Reactive-autolend/internal/fetcher"
	"github.com/FrankiePower/Reactive-autolend/internal/metrics"
	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/scheduler"
	"github.com/FrankiePower/Reactive-autolend/internal/storage"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

// ErrAlreadyRunning is returned when another instance holds the advisory lock.
var ErrAlreadyRunning = errors.New("service: another monitor instance holds the lock")

const (
	journalTimeout = 5 * time.Second
	notifyTimeout  = 15 * time.Second
	shutdownGrace  = 30 * time.Second
	pruneInterval  = time.Hour
)

// PoolReader reads the vault's current allocation.
type PoolReader interface {
	PoolStates(ctx context.Context) (policy.PoolStates, error)
}

// Source binds a slot to its rate source.
type Source struct {
	Name         string
	Fetcher      fetcher.RateSource
	Interval     time.Duration
	RateDecimals int32
}

// Options configure the service.
type Options struct {
	Rules              rebalance.Options
	MaxInFlight        time.Duration
	Caller             string
	EventBuffer        int
	LockKey            int64
	AllocationInterval time.Duration
	// Retention prunes journaled observations older than this; zero disables.
	Retention time.Duration
	// Clock stamps completions; replay substitutes the historical time.
	Clock func() time.Time
}

// Deps are the collaborators the service drives. Only Vault and Amount are required.
type Deps struct {
	Sources     [2]Source
	Pools       PoolReader
	Vault       dispatch.Vault
	Amount      policy.AmountPolicy
	Journal     storage.ObservationStore
	Intents     storage.IntentStore
	Locker      storage.AdvisoryLocker
	Notifier    alerting.Notifier
	Metrics     *metrics.Metrics
	Observation *observation.Store
}

// Service runs the event loop: producers feed a channel, the machine consumes it.
type Service struct {
	opts       Options
	deps       Deps
	machine    *rebalance.Machine
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	events  chan rebalance.Event
	stopped chan struct{}
	stop    sync.Once

	emittedAt map[rebalance.IntentID]time.Time
	notifies  sync.WaitGroup
}

// New wires the machine and dispatcher around the given collaborators.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	s := &Service{
		opts:      opts,
		deps:      deps,
		logger:    logger.With().Str("component", "service").Logger(),
		events:    make(chan rebalance.Event, opts.EventBuffer),
		stopped:   make(chan struct{}),
		emittedAt: make(map[rebalance.IntentID]time.Time),
	}

	s.dispatcher = dispatch.New(deps.Vault, dispatch.Options{
		MaxInFlight: opts.MaxInFlight,
		Caller:      opts.Caller,
		Clock:       opts.Clock,
	}, s.complete, logger)
	s.machine = rebalance.New(opts.Rules, deps.Observation, deps.Amount, s.dispatcher, logger)
	return s
}

// Machine exposes the state machine for inspection.
func (s *Service) Machine() *rebalance.Machine {
	return s.machine
}

// Run takes the single-instance lock, starts the producers and processes
// events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	producerCtx, cancelProducers := context.WithCancel(ctx)
	var producers sync.WaitGroup
	s.startProducers(producerCtx, &producers)

	s.logger.Info().
		Uint64("threshold_bps", s.opts.Rules.ThresholdBps).
		Dur("cooldown", s.opts.Rules.Cooldown).
		Str("record_on", string(s.opts.Rules.RecordOn)).
		Msg("event loop started")

	runErr := s.loop(ctx)

	cancelProducers()
	producers.Wait()
	s.shutdown()
	return runErr
}

func (s *Service) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.Process(ctx, ev)
		}
	}
}

// Process applies one event and records its side effects. It must only be
// called from the goroutine that owns the machine.
func (s *Service) Process(ctx context.Context, ev rebalance.Event) rebalance.Decision {
	d := s.machine.Handle(ctx, ev)
	s.record(ctx, d)
	return d
}

// Next blocks for the next queued event and processes it.
func (s *Service) Next(ctx context.Context) (rebalance.Decision, error) {
	select {
	case <-ctx.Done():
		return rebalance.Decision{}, ctx.Err()
	case ev := <-s.events:
		return s.Process(ctx, ev), nil
	}
}

// Close stops the dispatcher and waits for pending notifications.
func (s *Service) Close() {
	s.shutdown()
}

func (s *Service) shutdown() {
	s.stop.Do(func() {
		close(s.stopped)
		done := make(chan struct{})
		go func() {
			s.dispatcher.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			s.logger.Warn().Dur("grace", shutdownGrace).Msg("in-flight action still running at shutdown")
		}
		s.notifies.Wait()
	})
}

// complete runs on dispatcher goroutines; it only enqueues.
func (s *Service) complete(ev rebalance.ActionCompleted) {
	select {
	case s.events <- ev:
	case <-s.stopped:
		s.logger.Warn().Str("intent", string(ev.Handle)).Msg("completion dropped after shutdown")
	}
}

func (s *Service) enqueue(ctx context.Context, ev rebalance.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) startProducers(ctx context.Context, wg *sync.WaitGroup) {
	for _, slot := range observation.Slots {
		src := s.deps.Sources[slot]
		if src.Fetcher == nil {
			s.logger.Warn().Str("slot", slot.String()).Msg("no source configured for slot")
			continue
		}
		sched := scheduler.New(scheduler.Options{
			Name:      "source-" + slot.String(),
			Interval:  src.Interval,
			Immediate: true,
		}, s.logger)
		wg.Add(1)
		go func(slot observation.Slot) {
			defer wg.Done()
			_ = sched.Run(ctx, s.pollSource(slot))
		}(slot)
	}

	if s.deps.Pools != nil && s.opts.AllocationInterval > 0 {
		sched := scheduler.New(scheduler.Options{
			Name:      "allocation",
			Interval:  s.opts.AllocationInterval,
			Immediate: true,
		}, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Run(ctx, s.refreshAllocation)
		}()
	}

	if s.deps.Journal != nil && s.opts.Retention > 0 {
		sched := scheduler.New(scheduler.Options{
			Name:      "retention",
			Interval:  pruneInterval,
			Immediate: true,
		}, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Run(ctx, s.prune)
		}()
	}
}

func (s *Service) prune(ctx context.Context, at time.Time) error {
	cutoff := at.Add(-s.opts.Retention)
	if err := s.deps.Journal.DeleteObservationsBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("prune observations: %w", err)
	}
	s.logger.Debug().Time("cutoff", cutoff).Msg("old observations pruned")
	return nil
}

func (s *Service) pollSource(slot observation.Slot) scheduler.TickFunc {
	src := s.deps.Sources[slot]
	return func(ctx context.Context, _ time.Time) error {
		reading, err := src.Fetcher.FetchRate(ctx)
		if err != nil {
			s.deps.Metrics.ObserveFetchError(slot.String())
			return fmt.Errorf("fetch %s rate: %w", src.Name, err)
		}
		return s.enqueue(ctx, rebalance.RateUpdate{
			Slot: slot,
			Rate: reading.Rate,
			Seq:  reading.Seq,
			At:   time.Now().UTC(),
		})
	}
}

func (s *Service) refreshAllocation(ctx context.Context, _ time.Time) error {
	states, err := s.deps.Pools.PoolStates(ctx)
	if err != nil {
		return fmt.Errorf("read pool states: %w", err)
	}
	return s.enqueue(ctx, rebalance.AllocationUpdated{States: states, At: time.Now().UTC()})
}

func (s *Service) record(ctx context.Context, d rebalance.Decision) {
	s.deps.Metrics.ObserveDecision(d.Kind.String(), d.State == rebalance.Pending)
	if d.Eval.Kind != threshold.Indeterminate {
		s.deps.Metrics.SetDeltaBps(d.Eval.DeltaBps)
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	switch ev := d.Event.(type) {
	case rebalance.RateUpdate:
		s.recordObservation(jctx, ev, d)
	case rebalance.ActionCompleted:
		s.recordCompletion(jctx, ev, d)
	}

	switch d.Kind {
	case rebalance.DecisionEmitted:
		s.recordIntent(jctx, d, storage.IntentPending)
		s.emittedAt[d.Intent.ID] = d.Intent.IssuedAt
		s.notify(s.intentNote(d))
	case rebalance.DecisionDispatchRejected:
		s.recordIntent(jctx, d, storage.IntentRejected)
		s.completeIntent(jctx, d.Intent.ID, storage.IntentRejected, "", d.Err, d.Intent.IssuedAt)
	}
}

func (s *Service) recordObservation(ctx context.Context, ev rebalance.RateUpdate, d rebalance.Decision) {
	slot := ev.Slot.String()
	if d.Kind == rebalance.DecisionIgnored {
		status := "invalid"
		if errors.Is(d.Err, observation.ErrStaleObservation) {
			status = "stale"
		}
		s.deps.Metrics.ObserveObservation(slot, status)
		return
	}
	s.deps.Metrics.ObserveObservation(slot, "accepted")

	src := s.sourceFor(ev.Slot)
	s.deps.Metrics.SetRate(slot, ev.Observation().Decimal(src.RateDecimals).InexactFloat64())

	if s.deps.Journal == nil {
		return
	}
	rec := storage.ObservationRecord{
		Slot:       slot,
		Source:     src.Name,
		Rate:       ev.Rate,
		Seq:        ev.Seq,
		ReceivedAt: ev.At,
	}
	if err := s.deps.Journal.InsertObservation(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("slot", slot).Uint64("seq", ev.Seq).Msg("failed to journal observation")
	}
}

func (s *Service) recordIntent(ctx context.Context, d rebalance.Decision, status string) {
	if s.deps.Intents == nil || d.Intent == nil {
		return
	}
	rec := storage.IntentRecord{
		ID:        string(d.Intent.ID),
		Direction: d.Intent.Direction.String(),
		Amount:    d.Intent.Amount,
		DeltaBps:  d.Intent.DeltaBps,
		SeqA:      d.Intent.SeqA,
		SeqB:      d.Intent.SeqB,
		IssuedAt:  d.Intent.IssuedAt,
		Status:    status,
	}
	if err := s.deps.Intents.InsertIntent(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("intent", rec.ID).Msg("failed to journal intent")
	}
}

func (s *Service) recordCompletion(ctx context.Context, ev rebalance.ActionCompleted, d rebalance.Decision) {
	if d.Kind == rebalance.DecisionOrphan {
		s.deps.Metrics.ObserveCompletion("orphan", 0)
		return
	}

	var elapsed time.Duration
	if issued, ok := s.emittedAt[ev.Handle]; ok {
		elapsed = ev.At.Sub(issued)
		delete(s.emittedAt, ev.Handle)
	}
	s.deps.Metrics.ObserveCompletion(ev.Outcome.String(), elapsed)

	status := storage.IntentSettled
	switch ev.Outcome {
	case rebalance.OutcomeTimeout:
		status = storage.IntentTimeout
	case rebalance.OutcomeFailure:
		status = storage.IntentFailed
	}
	s.completeIntent(ctx, ev.Handle, status, ev.TxHash, d.Err, ev.At)

	if ev.Outcome != rebalance.OutcomeSuccess && d.Intent != nil {
		note := alerting.Notification{
			Kind:      alerting.KindOutcome,
			At:        ev.At,
			IntentID:  string(ev.Handle),
			Direction: d.Intent.Direction.String(),
			Outcome:   ev.Outcome.String(),
			TxHash:    ev.TxHash,
		}
		if d.Err != nil {
			note.Error = d.Err.Error()
		}
		s.notify(note)
	}
}

func (s *Service) completeIntent(ctx context.Context, id rebalance.IntentID, status, txHash string, cause error, at time.Time) {
	if s.deps.Intents == nil {
		return
	}
	var tx, msg *string
	if txHash != "" {
		tx = &txHash
	}
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	if err := s.deps.Intents.CompleteIntent(ctx, string(id), status, tx, msg, at); err != nil {
		s.logger.Error().Err(err).Str("intent", string(id)).Str("status", status).Msg("failed to journal outcome")
	}
}

func (s *Service) intentNote(d rebalance.Decision) alerting.Notification {
	snap := s.machine.Store().Snapshot()
	srcA, srcB := s.sourceFor(observation.SlotA), s.sourceFor(observation.SlotB)
	return alerting.Notification{
		Kind:         alerting.KindIntent,
		At:           d.Intent.IssuedAt,
		IntentID:     string(d.Intent.ID),
		Direction:    d.Intent.Direction.String(),
		Amount:       decimal.NewFromBigInt(d.Intent.Amount.ToBig(), 0),
		DeltaBps:     d.Intent.DeltaBps,
		ThresholdBps: s.opts.Rules.ThresholdBps,
		SourceA:      srcA.Name,
		SourceB:      srcB.Name,
		RateA:        snap.A.Decimal(srcA.RateDecimals),
		RateB:        snap.B.Decimal(srcB.RateDecimals),
	}
}

// notify sends asynchronously so the loop never waits on Telegram.
func (s *Service) notify(note alerting.Notification) {
	if s.deps.Notifier == nil {
		return
	}
	s.notifies.Add(1)
	go func() {
		defer s.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("intent", note.IntentID).Str("kind", string(note.Kind)).Msg("failed to send notification")
		}
	}()
}

func (s *Service) sourceFor(slot observation.Slot) Source {
	if !slot.Valid() {
		return Source{}
	}
	return s.deps.Sources[slot]
}

func (s *Service) acquireLock(ctx context.Context) (func(), error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, ErrAlreadyRunning
	}
	return unlock, nil
}
