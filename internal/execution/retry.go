package execution

import (
	"math"
	"strings"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/graph"
)

// RetryPolicy controls per-node retry behavior. Delay at attempt k is
// min(InitialDelay * Multiplier^k, MaxDelay).
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`

	// Retry classes: which error families consume retry budget.
	RetryOnTimeout     bool `json:"retry_on_timeout"`
	RetryOnConnection  bool `json:"retry_on_connection"`
	RetryOnServerError bool `json:"retry_on_server_error"`
}

// DefaultRetryPolicy is the fallback policy for node types without a
// dedicated entry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialDelay:       1 * time.Second,
		MaxDelay:           60 * time.Second,
		BackoffMultiplier:  2.0,
		RetryOnTimeout:     true,
		RetryOnConnection:  true,
		RetryOnServerError: true,
	}
}

// PolicyForNodeType returns the default policy for a node type class.
// Triggers never retry; HTTP requests and AI nodes carry tuned budgets.
func PolicyForNodeType(nodeType string) RetryPolicy {
	switch {
	case graph.IsTriggerType(nodeType):
		return RetryPolicy{MaxAttempts: 1, BackoffMultiplier: 1.0}
	case nodeType == "httpRequest":
		return RetryPolicy{
			MaxAttempts:        3,
			InitialDelay:       2 * time.Second,
			MaxDelay:           60 * time.Second,
			BackoffMultiplier:  2.0,
			RetryOnTimeout:     true,
			RetryOnConnection:  true,
			RetryOnServerError: true,
		}
	case graph.IsAIType(nodeType):
		return RetryPolicy{
			MaxAttempts:        2,
			InitialDelay:       5 * time.Second,
			MaxDelay:           30 * time.Second,
			BackoffMultiplier:  2.0,
			RetryOnTimeout:     true,
			RetryOnConnection:  true,
			RetryOnServerError: true,
		}
	default:
		return DefaultRetryPolicy()
	}
}

// PolicyForNode resolves the effective policy for a node: the type default,
// optionally overridden by a node-level retryPolicy parameter.
func PolicyForNode(node *graph.Node) RetryPolicy {
	policy := PolicyForNodeType(node.Type)
	override, ok := node.Parameters()["retryPolicy"].(map[string]any)
	if !ok {
		return policy
	}
	if v, ok := asInt(override["max_attempts"]); ok && v > 0 {
		policy.MaxAttempts = v
	}
	if v, ok := asFloat(override["initial_delay"]); ok && v >= 0 {
		policy.InitialDelay = time.Duration(v * float64(time.Second))
	}
	if v, ok := asFloat(override["max_delay"]); ok && v > 0 {
		policy.MaxDelay = time.Duration(v * float64(time.Second))
	}
	if v, ok := asFloat(override["backoff_multiplier"]); ok && v > 0 {
		policy.BackoffMultiplier = v
	}
	if v, ok := override["retry_on_timeout"].(bool); ok {
		policy.RetryOnTimeout = v
	}
	if v, ok := override["retry_on_connection"].(bool); ok {
		policy.RetryOnConnection = v
	}
	if v, ok := override["retry_on_server_error"].(bool); ok {
		policy.RetryOnServerError = v
	}
	return policy
}

// Delay returns the backoff before retry attempt k (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// serverErrorTokens are the well-known 5xx markers matched by substring
// against error messages.
var serverErrorTokens = []string{"500", "502", "503", "504"}

// ShouldRetry classifies an error message against the policy's retry classes.
// Classification is by substring match on well-known tokens; a structured
// transient error (internal/errors) is always retryable.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if loomerrors.IsCancelled(err) {
		return false
	}
	if loomerrors.IsTransient(err) {
		return true
	}
	return p.ShouldRetryMessage(err.Error())
}

// ShouldRetryMessage classifies a bare error message, as returned in a
// handler result record.
func (p RetryPolicy) ShouldRetryMessage(message string) bool {
	lower := strings.ToLower(message)
	if p.RetryOnTimeout && strings.Contains(lower, "timeout") {
		return true
	}
	if p.RetryOnConnection && (strings.Contains(lower, "connection") || strings.Contains(lower, "connect")) {
		return true
	}
	if p.RetryOnServerError {
		for _, token := range serverErrorTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}
	return false
}

func asInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
