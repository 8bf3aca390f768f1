package eventbus

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusDeadLetter, false},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusCompleted, true},
		{StatusFailed, StatusDeadLetter, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusDeadLetter, StatusCompleted, false},
		{StatusDeadLetter, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionSelf(t *testing.T) {
	for _, s := range AllStatuses() {
		if !CanTransition(s, s) {
			t.Fatalf("expected %q -> %q to be allowed", s, s)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusFailed.IsTerminal() {
		t.Fatalf("pending/failed must not be terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusDeadLetter.IsTerminal() {
		t.Fatalf("completed/dead_letter must be terminal")
	}
}

func TestNormalizeStatus(t *testing.T) {
	if NormalizeStatus("  Dead_Letter ") != StatusDeadLetter {
		t.Fatalf("normalize failed")
	}
}
