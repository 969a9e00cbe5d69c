package rebalance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/cooldown"
	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

type recordingDispatcher struct {
	intents []Intent
	err     error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, intent Intent) error {
	if r.err != nil {
		return r.err
	}
	r.intents = append(r.intents, intent)
	return nil
}

func fixedAmount(v uint64) policy.AmountPolicy {
	return policy.Func(func(threshold.Direction, policy.PoolStates) uint256.Int {
		return *uint256.NewInt(v)
	})
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func update(slot observation.Slot, rate, seq uint64, sec int64) RateUpdate {
	return RateUpdate{Slot: slot, Rate: *uint256.NewInt(rate), Seq: seq, At: at(sec)}
}

func newTestMachine(opts Options, d Dispatcher) *Machine {
	if opts.ThresholdBps == 0 {
		opts.ThresholdBps = 50
	}
	return New(opts, observation.NewStore(), fixedAmount(1_000), d, zerolog.Nop())
}

func mustKind(t *testing.T, got Decision, want DecisionKind) {
	t.Helper()
	if got.Kind != want {
		t.Fatalf("期望决策 %s, 实际 %s (err=%v)", want, got.Kind, got.Err)
	}
}

func TestMachineEmitsOnceThreshold(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)
	ctx := context.Background()

	mustKind(t, m.Handle(ctx, update(observation.SlotA, 1000, 1, 10)), DecisionNoSignal)
	d := m.Handle(ctx, update(observation.SlotB, 1200, 1, 11))
	mustKind(t, d, DecisionEmitted)

	if d.Intent == nil || d.Intent.Direction != threshold.AToB || d.Intent.DeltaBps != 1666 {
		t.Fatalf("intent 内容不正确: %+v", d.Intent)
	}
	if d.Intent.Amount.Uint64() != 1_000 {
		t.Fatalf("金额应来自 policy, 实际 %s", d.Intent.Amount.Dec())
	}
	if m.State() != Pending || d.State != Pending {
		t.Fatalf("发出 intent 后应为 Pending")
	}
	if len(disp.intents) != 1 || disp.intents[0].ID != d.Intent.ID {
		t.Fatalf("dispatcher 应收到恰好一个 intent: %+v", disp.intents)
	}
	if d.Intent.ID != NewIntentID(threshold.AToB, at(11)) {
		t.Fatal("intent id 应由方向与时间唯一确定")
	}
}

func TestMachineIndeterminateUntilBothSlots(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)

	for i := uint64(1); i <= 5; i++ {
		d := m.Handle(context.Background(), update(observation.SlotA, i*1_000_000, i, int64(i)))
		mustKind(t, d, DecisionNoSignal)
		if !errors.Is(d.Err, threshold.ErrIndeterminate) {
			t.Fatalf("只有 A 上报时应为 Indeterminate, 实际 %v", d.Err)
		}
	}
	if len(disp.intents) != 0 {
		t.Fatal("不应发出任何 intent")
	}
}

func TestMachineMutualExclusion(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	mustKind(t, m.Handle(ctx, update(observation.SlotB, 2000, 1, 2)), DecisionEmitted)

	for i := uint64(2); i < 50; i++ {
		slot := observation.Slots[i%2]
		d := m.Handle(ctx, update(slot, 1000*i*uint64(slot+1), i, int64(i+1)))
		mustKind(t, d, DecisionBusy)
		if !errors.Is(d.Err, ErrInFlight) {
			t.Fatalf("Pending 时应返回 ErrInFlight, 实际 %v", d.Err)
		}
	}
	if len(disp.intents) != 1 {
		t.Fatalf("Pending 期间只能有一个 intent, 实际 %d", len(disp.intents))
	}

	// 更新仍写入 store
	if got := m.Store().Latest(observation.SlotB).Seq; got != 49 {
		t.Fatalf("Pending 时观测仍应写入 store, 实际 seq %d", got)
	}
}

func TestMachineStaleObservationIgnored(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 10, 1))
	m.Handle(ctx, update(observation.SlotB, 1000, 10, 2))

	d := m.Handle(ctx, update(observation.SlotB, 5000, 9, 3))
	mustKind(t, d, DecisionIgnored)
	if !errors.Is(d.Err, observation.ErrStaleObservation) {
		t.Fatalf("应为 ErrStaleObservation, 实际 %v", d.Err)
	}

	d = m.Handle(ctx, update(observation.SlotB, 0, 11, 4))
	mustKind(t, d, DecisionIgnored)
	if !errors.Is(d.Err, observation.ErrInvalidObservation) {
		t.Fatalf("零利率应为 ErrInvalidObservation, 实际 %v", d.Err)
	}
	if len(disp.intents) != 0 {
		t.Fatal("过期/非法观测不应触发")
	}
}

func TestMachineFailOpenAfterFailure(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{Cooldown: 1000 * time.Second}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 90))
	first := m.Handle(ctx, update(observation.SlotB, 1200, 1, 100))
	mustKind(t, first, DecisionEmitted)

	d := m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeFailure, Err: errors.New("reverted"), At: at(105)})
	mustKind(t, d, DecisionReleased)
	if !errors.Is(d.Err, ErrDispatchFailure) {
		t.Fatalf("失败应返回 ErrDispatchFailure, 实际 %v", d.Err)
	}
	if m.State() != Idle {
		t.Fatal("失败后应回到 Idle")
	}
	if !m.Cooldown().Permits(at(106)) {
		t.Fatal("失败不应消耗冷却")
	}

	second := m.Handle(ctx, update(observation.SlotB, 1300, 2, 106))
	mustKind(t, second, DecisionEmitted)
	if second.Intent.ID == first.Intent.ID {
		t.Fatal("第二个 intent 应有不同的 id")
	}
	if len(disp.intents) != 2 {
		t.Fatalf("应发出两个 intent, 实际 %d", len(disp.intents))
	}
}

func TestMachineTimeoutIsFailOpen(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{Cooldown: time.Hour}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	first := m.Handle(ctx, update(observation.SlotB, 1200, 1, 2))

	d := m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeTimeout, At: at(600)})
	mustKind(t, d, DecisionReleased)
	if !errors.Is(d.Err, ErrDispatchTimeout) {
		t.Fatalf("超时应返回 ErrDispatchTimeout, 实际 %v", d.Err)
	}
	mustKind(t, m.Handle(ctx, update(observation.SlotA, 1001, 2, 601)), DecisionEmitted)
}

func TestMachineCooldownRespected(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{Cooldown: 1000 * time.Second}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 50))
	first := m.Handle(ctx, update(observation.SlotB, 1200, 1, 60))
	mustKind(t, first, DecisionEmitted)
	mustKind(t, m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeSuccess, At: at(100)}), DecisionSettled)

	// deltaBps = 5000
	d := m.Handle(ctx, update(observation.SlotB, 2000, 2, 500))
	mustKind(t, d, DecisionSuppressed)
	if !errors.Is(d.Err, ErrCooldownActive) || d.Eval.DeltaBps != 5000 {
		t.Fatalf("冷却期内应被抑制: %+v", d)
	}

	seq := uint64(3)
	for _, sec := range []int64{700, 1000, 1099} {
		mustKind(t, m.Handle(ctx, update(observation.SlotB, 2000+seq, seq, sec)), DecisionSuppressed)
		seq++
	}

	mustKind(t, m.Handle(ctx, update(observation.SlotB, 2100, seq, 1100)), DecisionEmitted)
	if len(disp.intents) != 2 {
		t.Fatalf("应恰好两个 intent, 实际 %d", len(disp.intents))
	}
}

func TestMachineRecordOnEmission(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{Cooldown: 100 * time.Second, RecordOn: cooldown.RecordOnEmission}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	first := m.Handle(ctx, update(observation.SlotB, 1200, 1, 10))
	mustKind(t, first, DecisionEmitted)
	if last, ok := m.Cooldown().LastTrigger(); !ok || !last.Equal(at(10)) {
		t.Fatalf("emission 策略应在发出时记录冷却: %v %v", last, ok)
	}

	m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeFailure, At: at(20)})
	mustKind(t, m.Handle(ctx, update(observation.SlotB, 1300, 2, 30)), DecisionSuppressed)
	mustKind(t, m.Handle(ctx, update(observation.SlotB, 1400, 3, 110)), DecisionEmitted)
}

func TestMachineOrphanCompletion(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)
	ctx := context.Background()

	d := m.Handle(ctx, ActionCompleted{Handle: "nope", Outcome: OutcomeSuccess, At: at(1)})
	mustKind(t, d, DecisionOrphan)

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	first := m.Handle(ctx, update(observation.SlotB, 1200, 1, 2))

	d = m.Handle(ctx, ActionCompleted{Handle: "other", Outcome: OutcomeSuccess, At: at(3)})
	mustKind(t, d, DecisionOrphan)
	if m.State() != Pending {
		t.Fatal("不匹配的 completion 不应改变状态")
	}
	if _, ok := m.Cooldown().LastTrigger(); ok {
		t.Fatal("不匹配的 completion 不应记录冷却")
	}

	mustKind(t, m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeSuccess, At: at(4)}), DecisionSettled)
	mustKind(t, m.Handle(ctx, ActionCompleted{Handle: first.Intent.ID, Outcome: OutcomeSuccess, At: at(5)}), DecisionOrphan)
}

func TestMachineDispatchRejected(t *testing.T) {
	disp := &recordingDispatcher{err: errors.New("duplicate")}
	m := newTestMachine(Options{Cooldown: time.Hour}, disp)
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	d := m.Handle(ctx, update(observation.SlotB, 1200, 1, 2))
	mustKind(t, d, DecisionDispatchRejected)
	if !errors.Is(d.Err, ErrDispatchFailure) {
		t.Fatalf("同步拒绝应视为 DispatchFailure, 实际 %v", d.Err)
	}
	if m.State() != Idle {
		t.Fatal("同步拒绝后应回到 Idle")
	}
	if !m.Cooldown().Permits(at(3)) {
		t.Fatal("同步拒绝不应消耗冷却")
	}
}

func TestMachineZeroAmountSkips(t *testing.T) {
	disp := &recordingDispatcher{}
	p, _ := policy.NewProportional(10_000, uint256.Int{})
	m := New(Options{ThresholdBps: 50}, nil, p, disp, zerolog.Nop())
	ctx := context.Background()

	m.Handle(ctx, update(observation.SlotA, 1000, 1, 1))
	d := m.Handle(ctx, update(observation.SlotB, 1200, 1, 2))
	mustKind(t, d, DecisionSkipped)
	if !errors.Is(d.Err, ErrZeroAmount) {
		t.Fatalf("仓位未知时应跳过, 实际 %v", d.Err)
	}

	m.Handle(ctx, AllocationUpdated{States: policy.PoolStates{
		Allocation: [2]uint256.Int{*uint256.NewInt(5_000), {}},
		Known:      true,
	}, At: at(3)})

	d = m.Handle(ctx, update(observation.SlotB, 1201, 2, 4))
	mustKind(t, d, DecisionEmitted)
	if d.Intent.Amount.Uint64() != 5_000 {
		t.Fatalf("应移动 A 的全部仓位, 实际 %s", d.Intent.Amount.Dec())
	}
}

func TestMachineNoIntentFromPendingUnderAnySequence(t *testing.T) {
	disp := &recordingDispatcher{}
	m := newTestMachine(Options{}, disp)
	ctx := context.Background()

	emitted := 0
	for i := uint64(1); i <= 200; i++ {
		before := m.State()
		slot := observation.Slots[i%2]
		rate := 1000 + (i*7919)%3000
		d := m.Handle(ctx, update(slot, rate, i, int64(i)))
		if d.Kind == DecisionEmitted {
			if before != Idle {
				t.Fatalf("intent 只能从 Idle 发出 (i=%d)", i)
			}
			emitted++
		}
		if i%37 == 0 {
			if pending, ok := m.Pending(); ok {
				m.Handle(ctx, ActionCompleted{Handle: pending.ID, Outcome: OutcomeFailure, At: at(int64(i))})
			}
		}
	}
	if emitted != len(disp.intents) {
		t.Fatalf("emitted=%d dispatched=%d", emitted, len(disp.intents))
	}
	if emitted == 0 {
		t.Fatal("该序列应至少触发一次")
	}
}
