package db

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to sent skips processing", StatusPending, StatusSent, false},
		{"processing to sent", StatusProcessing, StatusSent, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"processing back to pending", StatusProcessing, StatusPending, false},
		{"failed to pending", StatusFailed, StatusPending, true},
		{"failed to cancelled", StatusFailed, StatusCancelled, true},
		{"failed straight to sent", StatusFailed, StatusSent, false},
		{"sent is terminal", StatusSent, StatusPending, false},
		{"sent cannot be cancelled", StatusSent, StatusCancelled, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},
		{"cancelled cannot be sent", StatusCancelled, StatusSent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestProcessingOnlyReachesSentOrFailedOrCancelled(t *testing.T) {
	all := []string{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled}

	for _, to := range all {
		reachable := CanTransition(StatusProcessing, to)
		wantReachable := to == StatusSent || to == StatusFailed || to == StatusCancelled
		if reachable != wantReachable {
			t.Errorf("processing -> %s: reachable = %v, want %v", to, reachable, wantReachable)
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	all := []string{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled}

	for _, terminal := range []string{StatusSent, StatusCancelled} {
		for _, to := range all {
			if CanTransition(terminal, to) {
				t.Errorf("%s should be terminal, but %s -> %s allowed", terminal, terminal, to)
			}
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false, want true", s)
		}
	}
	if ValidStatus("dead_lettered") {
		t.Error("ValidStatus accepted unknown status")
	}
}

func TestProfileFullName(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    string
	}{
		{"first and last", Profile{FirstName: "Grace", LastName: "Okello", Email: "g@example.com"}, "Grace Okello"},
		{"first only", Profile{FirstName: "Grace", Email: "g@example.com"}, "Grace"},
		{"empty falls back to email", Profile{Email: "g@example.com"}, "g@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.FullName(); got != tt.want {
				t.Errorf("FullName() = %q, want %q", got, tt.want)
			}
		})
	}
}
