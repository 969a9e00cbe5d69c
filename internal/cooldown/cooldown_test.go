package cooldown

import (
	"testing"
	"time"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestGatePermitsWithoutTrigger(t *testing.T) {
	g := NewGate(time.Hour)
	if !g.Permits(at(0)) {
		t.Fatal("从未触发时应放行")
	}
	if _, ok := g.LastTrigger(); ok {
		t.Fatal("不应有最近触发时间")
	}
}

func TestGateWindow(t *testing.T) {
	g := NewGate(1000 * time.Second)
	g.Record(at(100))

	if g.Permits(at(500)) {
		t.Fatal("冷却期内不应放行")
	}
	if g.Permits(at(1099)) {
		t.Fatal("t=1099 仍在冷却期")
	}
	if !g.Permits(at(1100)) {
		t.Fatal("t=1100 冷却期已过, 应放行")
	}
	if got := g.Remaining(at(600)); got != 500*time.Second {
		t.Fatalf("剩余冷却应为 500s, 实际 %s", got)
	}
	if got := g.Remaining(at(2000)); got != 0 {
		t.Fatalf("冷却结束后剩余应为 0, 实际 %s", got)
	}
}

func TestGateRecordOverwrites(t *testing.T) {
	g := NewGate(10 * time.Second)
	g.Record(at(100))
	g.Record(at(50))
	if !g.Permits(at(60)) {
		t.Fatal("Record 应无条件覆盖最近触发时间")
	}
}

func TestGateZeroDuration(t *testing.T) {
	g := NewGate(0)
	g.Record(at(100))
	if !g.Permits(at(100)) {
		t.Fatal("零冷却不应阻塞")
	}
}

func TestParseRecordPolicy(t *testing.T) {
	cases := map[string]RecordPolicy{"": RecordOnSuccess, "success": RecordOnSuccess, "Emission": RecordOnEmission}
	for in, want := range cases {
		got, err := ParseRecordPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseRecordPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRecordPolicy("never"); err == nil {
		t.Fatal("未知策略应报错")
	}
}
