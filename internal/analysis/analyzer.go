// Package analysis implements the concrete HTTP client for the
// classifier boundary: a circuit-broken, retrying call to the Groq
// chat-completions endpoint that turns a reply body into a
// decision.Analysis, plus E.164 re-validation of any phone numbers the
// model claims to have found.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
	"github.com/flowcatalyst/followup-engine/internal/common/tsid"
	"github.com/flowcatalyst/followup-engine/internal/decision"
)

// validIntents is the set the classifier is allowed to return. Anything
// else - a hallucinated label, a truncated response, an empty string -
// collapses to decision.IntentUnclear. The Analyzer treats the model as
// adversarial: DecisionRouter's table must never see a seventh intent.
var validIntents = map[string]decision.Intent{
	"INTERESTED":          decision.IntentInterested,
	"NOT_INTERESTED":      decision.IntentNotInterested,
	"CLARIFICATION":       decision.IntentClarification,
	"CONTACT_PROVIDED":    decision.IntentContactProvided,
	"CONTINUE_OVER_EMAIL": decision.IntentContinueOverEmail,
	"UNCLEAR":             decision.IntentUnclear,
}

const (
	requestTimeout = 10 * time.Second
	maxRetries     = 2
	baseBackoff    = 1 * time.Second
)

// Analyzer turns raw reply text into a routing-ready decision.Analysis.
// Implementations must never return an error that leaves the caller
// without a usable Analysis; on total failure the zero-value contract is
// Intent=UNCLEAR, which DecisionRouter's R7 turns into a human delegation.
type Analyzer interface {
	Analyze(ctx context.Context, body string) (decision.Analysis, error)
}

// GroqAnalyzer calls a Groq-compatible chat-completions endpoint. It
// wraps every call in a circuit breaker (gobreaker, the same library the
// teacher uses to protect its HTTP mediator from a flapping downstream)
// and a bounded retry loop with 1s/2s backoff, mirroring the teacher's
// executeWithRetry shape: classify the error first, and never retry an
// authentication failure.
type GroqAnalyzer struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
	cb      *gobreaker.CircuitBreaker
}

// NewGroqAnalyzer builds an Analyzer over the Groq chat-completions API.
func NewGroqAnalyzer(apiKey, model string) *GroqAnalyzer {
	cbSettings := gobreaker.Settings{
		Name:        "analyzer",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("analyzer circuit breaker state change", "from", from.String(), "to", to.String())
			metrics.AnalyzerCircuitBreakerState.Set(circuitStateValue(to))
			if to == gobreaker.StateOpen {
				metrics.AnalyzerCircuitBreakerTrips.Inc()
			}
		},
	}

	return &GroqAnalyzer{
		client:  &http.Client{Timeout: requestTimeout},
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.groq.com/openai/v1/chat-completions",
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
	}
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

type groqResponse struct {
	Intent       string   `json:"intent"`
	PhoneNumbers []string `json:"phone_numbers"`
	HasAddress   bool     `json:"has_address"`
	AddressText  *string  `json:"address_text"`
}

// Analyze classifies a reply body with up to maxRetries retries at
// 1s/2s backoff (bounding the call at roughly 10s*3 + 3s backoff, the
// ~35s upper bound the concurrency model promises). An authentication
// error short-circuits with no retry, counted the same as exhaustion:
// intent UNCLEAR, which fails safe toward a human.
func (a *GroqAnalyzer) Analyze(ctx context.Context, body string) (decision.Analysis, error) {
	correlationID := tsid.Generate()
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * baseBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				metrics.AnalyzerRequests.WithLabelValues("timeout").Inc()
				return decision.Analysis{Intent: decision.IntentUnclear}, ctx.Err()
			}
		}

		result, err := a.callOnce(ctx, body, correlationID)
		if err == nil {
			metrics.AnalyzerDuration.Observe(time.Since(start).Seconds())
			metrics.AnalyzerRequests.WithLabelValues("success").Inc()
			return result, nil
		}

		lastErr = err
		var authErr *AuthError
		if errors.As(err, &authErr) {
			slog.Error("analyzer auth error, not retrying", "correlation_id", correlationID, "error", err)
			break
		}
		slog.Warn("analyzer call failed, will retry", "correlation_id", correlationID, "attempt", attempt, "error", err)
	}

	metrics.AnalyzerDuration.Observe(time.Since(start).Seconds())
	if errors.Is(lastErr, context.DeadlineExceeded) {
		metrics.AnalyzerRequests.WithLabelValues("timeout").Inc()
	} else {
		metrics.AnalyzerRequests.WithLabelValues("error").Inc()
	}

	slog.Error("analyzer exhausted retries, treating as unclear", "correlation_id", correlationID, "error", lastErr)
	return decision.Analysis{Intent: decision.IntentUnclear}, lastErr
}

// AuthError distinguishes a classifier credential failure from an
// ordinary transient error, so the retry loop can short-circuit.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("analyzer authentication failed: status %d", e.StatusCode)
}

func (a *GroqAnalyzer) callOnce(ctx context.Context, body, correlationID string) (decision.Analysis, error) {
	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.doRequest(ctx, body, correlationID)
	})
	if err != nil {
		return decision.Analysis{}, err
	}
	return result.(decision.Analysis), nil
}

func (a *GroqAnalyzer) doRequest(ctx context.Context, body, correlationID string) (decision.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]any{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "system", "content": classifierSystemPrompt},
			{"role": "user", "content": body},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return decision.Analysis{}, fmt.Errorf("analyzer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return decision.Analysis{}, fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := a.client.Do(req)
	if err != nil {
		return decision.Analysis{}, fmt.Errorf("analyzer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return decision.Analysis{}, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return decision.Analysis{}, fmt.Errorf("analyzer: unexpected status %d: %s", resp.StatusCode, payload)
	}

	var parsed groqResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decision.Analysis{}, fmt.Errorf("analyzer: decode response: %w", err)
	}

	intent, ok := validIntents[parsed.Intent]
	if !ok {
		slog.Warn("analyzer returned intent outside enum, collapsing to unclear", "raw_intent", parsed.Intent)
		intent = decision.IntentUnclear
	}

	hasPhone := false
	for _, raw := range parsed.PhoneNumbers {
		if _, ok := ToE164(raw); ok {
			hasPhone = true
			break
		}
	}

	return decision.Analysis{
		Intent:     intent,
		HasPhone:   hasPhone,
		HasAddress: parsed.HasAddress,
	}, nil
}

const classifierSystemPrompt = `You classify a reply to an outreach email. Respond with JSON: ` +
	`{"intent": one of INTERESTED|NOT_INTERESTED|CLARIFICATION|CONTACT_PROVIDED|CONTINUE_OVER_EMAIL|UNCLEAR, ` +
	`"phone_numbers": [string], "has_address": bool, "address_text": string|null}.`
