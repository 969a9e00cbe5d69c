package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

type fakeVault struct {
	receipt Receipt
	err     error
	block   bool
	caller  string
	calls   atomic.Int32
	lastReq Request
	mu      sync.Mutex
}

func (f *fakeVault) Rebalance(ctx context.Context, req Request) (Receipt, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.block {
		// ignores ctx on purpose: the dispatcher must not rely on the vault honouring it
		select {}
	}
	return f.receipt, f.err
}

func (f *fakeVault) AuthorizedCaller(context.Context) (string, error) {
	return f.caller, nil
}

func testIntent(sec int64) rebalance.Intent {
	issued := time.Unix(sec, 0).UTC()
	return rebalance.Intent{
		ID:        rebalance.NewIntentID(threshold.AToB, issued),
		Direction: threshold.AToB,
		Amount:    *uint256.NewInt(42),
		IssuedAt:  issued,
	}
}

func collect() (CompletionFunc, <-chan rebalance.ActionCompleted) {
	ch := make(chan rebalance.ActionCompleted, 4)
	return func(c rebalance.ActionCompleted) { ch <- c }, ch
}

func waitCompletion(t *testing.T, ch <-chan rebalance.ActionCompleted) rebalance.ActionCompleted {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("等待 completion 超时")
		return rebalance.ActionCompleted{}
	}
}

func TestDispatchSuccess(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{TxHash: "0xabc", Success: true}}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second}, complete, zerolog.Nop())

	intent := testIntent(100)
	if err := d.Dispatch(context.Background(), intent); err != nil {
		t.Fatalf("Dispatch 不应报错: %v", err)
	}

	c := waitCompletion(t, ch)
	if c.Outcome != rebalance.OutcomeSuccess || c.Handle != intent.ID || c.TxHash != "0xabc" {
		t.Fatalf("completion 不正确: %+v", c)
	}
	vault.mu.Lock()
	defer vault.mu.Unlock()
	if vault.lastReq.IdempotencyKey != string(intent.ID) || vault.lastReq.Amount.Uint64() != 42 {
		t.Fatalf("请求内容不正确: %+v", vault.lastReq)
	}
}

func TestDispatchFailureReported(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{TxHash: "0xdead", Success: false, Reason: "reverted"}}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second}, complete, zerolog.Nop())

	_ = d.Dispatch(context.Background(), testIntent(1))
	c := waitCompletion(t, ch)
	if c.Outcome != rebalance.OutcomeFailure || c.Err == nil {
		t.Fatalf("回滚应报告 failure: %+v", c)
	}

	vault2 := &fakeVault{err: errors.New("rpc down")}
	complete2, ch2 := collect()
	d2 := New(vault2, Options{MaxInFlight: time.Second}, complete2, zerolog.Nop())
	_ = d2.Dispatch(context.Background(), testIntent(2))
	if c := waitCompletion(t, ch2); c.Outcome != rebalance.OutcomeFailure {
		t.Fatalf("vault 错误应报告 failure: %+v", c)
	}
}

func TestDispatchTimeoutSynthesized(t *testing.T) {
	vault := &fakeVault{block: true}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: 50 * time.Millisecond}, complete, zerolog.Nop())

	intent := testIntent(3)
	_ = d.Dispatch(context.Background(), intent)
	c := waitCompletion(t, ch)
	if c.Outcome != rebalance.OutcomeTimeout || c.Handle != intent.ID {
		t.Fatalf("无响应时应合成 timeout: %+v", c)
	}
	if !errors.Is(c.Err, context.DeadlineExceeded) {
		t.Fatalf("timeout 错误应包含 DeadlineExceeded: %v", c.Err)
	}
}

func TestDispatchNotCancelledByCaller(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{Success: true}}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second}, complete, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Dispatch(ctx, testIntent(4))
	if c := waitCompletion(t, ch); c.Outcome != rebalance.OutcomeSuccess {
		t.Fatalf("已派发的动作不应因调用方取消而失败: %+v", c)
	}
}

func TestDispatchDuplicateRejected(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{Success: true}}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second}, complete, zerolog.Nop())

	intent := testIntent(5)
	if err := d.Dispatch(context.Background(), intent); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), intent); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("重复 intent 应被拒绝, 实际 %v", err)
	}
	waitCompletion(t, ch)
	d.Close()
	if got := vault.calls.Load(); got != 1 {
		t.Fatalf("vault 只应被调用一次, 实际 %d", got)
	}
	if err := d.Dispatch(context.Background(), testIntent(6)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Close 之后应拒绝, 实际 %v", err)
	}
}

func TestDispatchRememberBounded(t *testing.T) {
	d := New(&fakeVault{receipt: Receipt{Success: true}}, Options{MaxInFlight: time.Second, Remember: 2}, nil, zerolog.Nop())
	for i := int64(0); i < 3; i++ {
		if err := d.Dispatch(context.Background(), testIntent(10+i)); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()
	if len(d.seen) != 2 || len(d.order) != 2 {
		t.Fatalf("去重窗口应保持 2 条, 实际 %d/%d", len(d.seen), len(d.order))
	}
}

func TestDispatchUnauthorized(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{Success: true}, caller: "0xAAA"}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second, Caller: "0xBBB"}, complete, zerolog.Nop())

	_ = d.Dispatch(context.Background(), testIntent(7))
	c := waitCompletion(t, ch)
	if c.Outcome != rebalance.OutcomeFailure || !errors.Is(c.Err, ErrUnauthorized) {
		t.Fatalf("未授权应报告 failure: %+v", c)
	}
	if vault.calls.Load() != 0 {
		t.Fatal("未授权时不应调用 rebalance")
	}

	vault.caller = "0xbbb"
	d2 := New(vault, Options{MaxInFlight: time.Second, Caller: "0xBBB"}, complete, zerolog.Nop())
	_ = d2.Dispatch(context.Background(), testIntent(8))
	if c := waitCompletion(t, ch); c.Outcome != rebalance.OutcomeSuccess {
		t.Fatalf("地址大小写不同也应通过授权: %+v", c)
	}
}

func TestDispatchFeedsMachine(t *testing.T) {
	vault := &fakeVault{receipt: Receipt{Success: true}}
	complete, ch := collect()
	d := New(vault, Options{MaxInFlight: time.Second}, complete, zerolog.Nop())
	m := rebalance.New(rebalance.Options{ThresholdBps: 50, Cooldown: time.Hour}, nil,
		policy.Func(func(threshold.Direction, policy.PoolStates) uint256.Int { return *uint256.NewInt(10) }),
		d, zerolog.Nop())

	ctx := context.Background()
	m.Handle(ctx, rebalance.RateUpdate{Slot: observation.SlotA, Rate: *uint256.NewInt(1000), Seq: 1, At: time.Unix(1, 0)})
	dec := m.Handle(ctx, rebalance.RateUpdate{Slot: observation.SlotB, Rate: *uint256.NewInt(1200), Seq: 1, At: time.Unix(2, 0)})
	if dec.Kind != rebalance.DecisionEmitted {
		t.Fatalf("应发出 intent: %s", dec.Kind)
	}

	c := waitCompletion(t, ch)
	if got := m.Handle(ctx, c); got.Kind != rebalance.DecisionSettled {
		t.Fatalf("completion 应让状态机结算, 实际 %s", got.Kind)
	}
	if m.State() != rebalance.Idle {
		t.Fatal("结算后应为 Idle")
	}
}
