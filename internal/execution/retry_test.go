package execution

import (
	"errors"
	"testing"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/graph"
)

func TestPolicyForNodeTypeDefaults(t *testing.T) {
	trigger := PolicyForNodeType("webhookTrigger")
	if trigger.MaxAttempts != 1 {
		t.Errorf("trigger MaxAttempts = %d, want 1", trigger.MaxAttempts)
	}

	httpPolicy := PolicyForNodeType("httpRequest")
	if httpPolicy.MaxAttempts != 3 || httpPolicy.InitialDelay != 2*time.Second {
		t.Errorf("httpRequest policy = %+v", httpPolicy)
	}

	ai := PolicyForNodeType("aiAgent")
	if ai.MaxAttempts != 2 || ai.InitialDelay != 5*time.Second || ai.MaxDelay != 30*time.Second {
		t.Errorf("aiAgent policy = %+v", ai)
	}

	def := PolicyForNodeType("console")
	if def.MaxAttempts != 3 || def.InitialDelay != 1*time.Second || def.MaxDelay != 60*time.Second {
		t.Errorf("default policy = %+v", def)
	}
}

func TestPolicyForNodeOverride(t *testing.T) {
	n := &graph.Node{
		ID:   "n1",
		Type: "httpRequest",
		Data: map[string]any{
			"parameters": map[string]any{
				"retryPolicy": map[string]any{
					"max_attempts":       float64(5),
					"initial_delay":      0.01,
					"backoff_multiplier": 1.0,
					"retry_on_timeout":   false,
				},
			},
		},
	}
	policy := PolicyForNode(n)
	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", policy.MaxAttempts)
	}
	if policy.InitialDelay != 10*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 10ms", policy.InitialDelay)
	}
	if policy.RetryOnTimeout {
		t.Error("retry_on_timeout override ignored")
	}
	// Unspecified fields keep the type default.
	if !policy.RetryOnServerError {
		t.Error("unrelated retry class should keep the type default")
	}
}

func TestDelayBackoff(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2.0}
	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := p.Delay(1); got != 2*time.Second {
		t.Errorf("Delay(1) = %v, want 2s", got)
	}
	if got := p.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want MaxDelay", got)
	}
	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Errorf("zero policy Delay = %v, want 0", got)
	}
}

func TestShouldRetryClassification(t *testing.T) {
	p := DefaultRetryPolicy()

	cases := []struct {
		message string
		want    bool
	}{
		{"request timeout exceeded", true},
		{"connection refused", true},
		{"dial tcp: connect: no route to host", true},
		{"server error 503 from upstream", true},
		{"server error 502 from https://x", true},
		{"invalid parameter: missing url", false},
		{"status 404 not found", false},
	}
	for _, tc := range cases {
		if got := p.ShouldRetryMessage(tc.message); got != tc.want {
			t.Errorf("ShouldRetryMessage(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestShouldRetryClassesDisabled(t *testing.T) {
	p := RetryPolicy{RetryOnTimeout: false, RetryOnConnection: false, RetryOnServerError: false}
	if p.ShouldRetryMessage("timeout") || p.ShouldRetryMessage("connection reset") || p.ShouldRetryMessage("500") {
		t.Error("disabled retry classes must not match")
	}
}

func TestShouldRetryStructuredErrors(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.ShouldRetry(nil) {
		t.Error("nil error is not retryable")
	}
	if p.ShouldRetry(&loomerrors.CancelledError{Err: errors.New("run aborted")}) {
		t.Error("cancellation is never retryable")
	}
	if !p.ShouldRetry(&loomerrors.TransientError{Message: "broker unavailable"}) {
		t.Error("transient errors are always retryable")
	}
	if p.ShouldRetry(errors.New("parse failure")) {
		t.Error("plain non-matching errors are not retryable")
	}
}
