package governance

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEmergencySwitch(t *testing.T) {
	s := NewEmergencySwitch()
	if s.Active() {
		t.Fatal("new switch should be inactive")
	}

	s.Set(true, "admin@example.com", "incident INC-42")
	if !s.Active() {
		t.Fatal("switch should be active after Set")
	}
	st := s.State()
	if st.SetBy != "admin@example.com" || st.Reason != "incident INC-42" {
		t.Errorf("state = %+v, want who/why recorded", st)
	}

	s.Set(false, "admin@example.com", "resolved")
	if s.Active() {
		t.Error("switch should deactivate")
	}
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]string{"u-1", "10.0.0.0/8", "192.0.2.7"})

	tests := []struct {
		name        string
		principalID string
		ip          string
		want        bool
	}{
		{"principal match", "u-1", "203.0.113.1", true},
		{"cidr match", "u-9", "10.1.2.3", true},
		{"single ip match", "u-9", "192.0.2.7", true},
		{"no match", "u-9", "203.0.113.1", false},
		{"garbage ip", "u-9", "not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Contains(tt.principalID, tt.ip); got != tt.want {
				t.Errorf("Contains(%q, %q) = %v, want %v", tt.principalID, tt.ip, got, tt.want)
			}
		})
	}

	if a.Empty() {
		t.Error("allowlist with entries should not be empty")
	}
	if !NewAllowlist(nil).Empty() {
		t.Error("empty allowlist should report empty")
	}
}

func TestBreakGlass_GrantValidateConsume(t *testing.T) {
	bg := NewBreakGlass()
	ctx := context.Background()

	if _, err := bg.Grant(ctx, "req-1", "123456", "reviewer@example.com", 5*time.Minute); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	if !bg.Validate(ctx, "req-1", "123456") {
		t.Error("correct pin should validate")
	}
	if bg.Validate(ctx, "req-1", "654321") {
		t.Error("wrong pin should not validate")
	}
	if bg.Validate(ctx, "req-2", "123456") {
		t.Error("unknown request id should not validate")
	}

	if !bg.Consume(ctx, "req-1") {
		t.Fatal("first consume should succeed")
	}
	if bg.Consume(ctx, "req-1") {
		t.Error("second consume must fail: one-shot")
	}
	if bg.Validate(ctx, "req-1", "123456") {
		t.Error("consumed override should not validate")
	}
}

func TestBreakGlass_Expiry(t *testing.T) {
	bg := NewBreakGlass()
	ctx := context.Background()

	if _, err := bg.Grant(ctx, "req-1", "123456", "reviewer", time.Minute); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	bg.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if bg.Validate(ctx, "req-1", "123456") {
		t.Error("expired override should not validate")
	}
	if bg.Consume(ctx, "req-1") {
		t.Error("expired override should not consume")
	}
	if n := bg.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
}

func TestBreakGlass_ConsumeIsAtomic(t *testing.T) {
	bg := NewBreakGlass()
	ctx := context.Background()
	if _, err := bg.Grant(ctx, "req-1", "123456", "reviewer", time.Minute); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if bg.Consume(ctx, "req-1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("consume won %d times, want exactly 1", wins)
	}
}

func TestTimeRuleSet_BlockWindow(t *testing.T) {
	rules := []TimeRule{{
		Name:      "school-night",
		Start:     "21:00",
		End:       "07:00",
		AppliesTo: []string{"child"},
		Action:    TimeBlock,
	}}
	set, err := NewTimeRuleSet(rules, time.UTC)
	if err != nil {
		t.Fatalf("NewTimeRuleSet: %v", err)
	}

	at := func(hour int) func() time.Time {
		return func() time.Time {
			return time.Date(2026, 8, 24, hour, 0, 0, 0, time.UTC)
		}
	}

	set.now = at(23)
	m := set.Evaluate([]string{"child"})
	if !m.Matched || m.Rule.Action != TimeBlock {
		t.Error("23:00 should match the cross-midnight block window")
	}
	if m.Rule.Name != "school-night" {
		t.Errorf("rule name = %s", m.Rule.Name)
	}

	set.now = at(3)
	if m := set.Evaluate([]string{"child"}); !m.Matched {
		t.Error("03:00 should match the cross-midnight window")
	}

	set.now = at(12)
	if m := set.Evaluate([]string{"child"}); m.Matched {
		t.Error("noon should not match")
	}

	set.now = at(23)
	if m := set.Evaluate([]string{"adult"}); m.Matched {
		t.Error("untagged principal should not match")
	}
}

func TestTimeRuleSet_FirstMatchWins(t *testing.T) {
	rules := []TimeRule{
		{Name: "allow-ops", Start: "00:00", End: "23:59", AppliesTo: []string{"ops"}, Action: TimeAllow},
		{Name: "block-all", Start: "00:00", End: "23:59", Action: TimeBlock},
	}
	set, err := NewTimeRuleSet(rules, time.UTC)
	if err != nil {
		t.Fatalf("NewTimeRuleSet: %v", err)
	}

	if m := set.Evaluate([]string{"ops"}); !m.Matched || m.Rule.Action != TimeAllow {
		t.Error("ops should hit the allow rule first")
	}
	if m := set.Evaluate(nil); !m.Matched || m.Rule.Action != TimeBlock {
		t.Error("others should hit the block rule")
	}
}

func TestTimeRuleSet_DayFilter(t *testing.T) {
	rules := []TimeRule{{
		Name: "weekend", Start: "00:00", End: "23:59",
		Days: []time.Weekday{time.Saturday, time.Sunday}, Action: TimeBlock,
	}}
	set, err := NewTimeRuleSet(rules, time.UTC)
	if err != nil {
		t.Fatalf("NewTimeRuleSet: %v", err)
	}

	// 2026-08-24 is a Monday.
	set.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	if m := set.Evaluate(nil); m.Matched {
		t.Error("Monday should not match a weekend rule")
	}
	// 2026-08-23 is a Sunday.
	set.now = func() time.Time { return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) }
	if m := set.Evaluate(nil); !m.Matched {
		t.Error("Sunday should match the weekend rule")
	}
}

func TestNewTimeRuleSet_Validation(t *testing.T) {
	if _, err := NewTimeRuleSet([]TimeRule{{Name: "bad", Start: "25:00", End: "07:00", Action: TimeBlock}}, nil); err == nil {
		t.Error("invalid clock should fail validation")
	}
	if _, err := NewTimeRuleSet([]TimeRule{{Name: "bad", Start: "01:00", End: "07:00", Action: "explode"}}, nil); err == nil {
		t.Error("unknown action should fail validation")
	}
}
