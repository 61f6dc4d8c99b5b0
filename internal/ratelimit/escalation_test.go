package ratelimit

import (
	"testing"
	"time"
)

func TestEscalateProgressiveDelay(t *testing.T) {
	p := Policy{
		Name:             "login",
		Window:           time.Minute,
		MaxRequests:      5,
		BlockDuration:    15 * time.Minute,
		ProgressiveDelay: true,
	}

	tests := []struct {
		violations int
		wantDelay  time.Duration
		wantBlock  time.Duration
	}{
		{1, 2 * time.Second, 15 * time.Minute},
		{2, 4 * time.Second, 30 * time.Minute},
		{3, 8 * time.Second, time.Hour},
		{4, 16 * time.Second, 2 * time.Hour},
		{5, 30 * time.Second, 4 * time.Hour},
		{6, 30 * time.Second, 8 * time.Hour},
		{100, 30 * time.Second, 8 * time.Hour},
	}

	for _, tt := range tests {
		delay, block := Escalate(tt.violations, p)
		if delay != tt.wantDelay {
			t.Errorf("Escalate(%d) delay = %v, want %v", tt.violations, delay, tt.wantDelay)
		}
		if block != tt.wantBlock {
			t.Errorf("Escalate(%d) block = %v, want %v", tt.violations, block, tt.wantBlock)
		}
	}
}

func TestEscalateMonotonic(t *testing.T) {
	p := Policy{
		Window:           time.Minute,
		MaxRequests:      5,
		BlockDuration:    time.Minute,
		ProgressiveDelay: true,
	}

	prevDelay, prevBlock := time.Duration(0), time.Duration(0)
	for v := 1; v <= 20; v++ {
		delay, block := Escalate(v, p)
		if delay < prevDelay {
			t.Fatalf("delay shrank at violations=%d: %v < %v", v, delay, prevDelay)
		}
		if block < prevBlock {
			t.Fatalf("block shrank at violations=%d: %v < %v", v, block, prevBlock)
		}
		prevDelay, prevBlock = delay, block
	}
}

func TestEscalateWithoutProgressiveDelay(t *testing.T) {
	p := Policy{
		Window:        time.Minute,
		MaxRequests:   30,
		BlockDuration: 5 * time.Minute,
	}

	delay, block := Escalate(3, p)
	if delay != 0 {
		t.Errorf("delay = %v, want 0 when progressive delay is disabled", delay)
	}
	if block != 5*time.Minute<<2 {
		t.Errorf("block = %v, want %v", block, 5*time.Minute<<2)
	}
}

func TestEscalateWithoutBlockDuration(t *testing.T) {
	p := Policy{
		Window:           time.Minute,
		MaxRequests:      5,
		ProgressiveDelay: true,
	}

	delay, block := Escalate(2, p)
	if delay != 4*time.Second {
		t.Errorf("delay = %v, want 4s", delay)
	}
	if block != 0 {
		t.Errorf("block = %v, want 0 when block duration is unset", block)
	}
}

func TestEscalateNonPositiveViolations(t *testing.T) {
	p := Policy{
		Window:           time.Minute,
		MaxRequests:      5,
		BlockDuration:    time.Minute,
		ProgressiveDelay: true,
	}

	for _, v := range []int{0, -1} {
		delay, block := Escalate(v, p)
		if delay != 0 || block != 0 {
			t.Errorf("Escalate(%d) = (%v, %v), want (0, 0)", v, delay, block)
		}
	}
}
