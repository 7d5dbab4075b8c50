package analysis

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/flowcatalyst/followup-engine/internal/decision"
)

func newTestAnalyzer(t *testing.T, handler http.HandlerFunc) (*GroqAnalyzer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := NewGroqAnalyzer("test-key", "test-model")
	a.baseURL = srv.URL
	return a, srv
}

func TestAnalyzeSuccess(t *testing.T) {
	a, srv := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(groqResponse{
			Intent:       "CONTACT_PROVIDED",
			PhoneNumbers: []string{"+14155550100"},
			HasAddress:   false,
		})
	})
	defer srv.Close()

	got, err := a.Analyze(t.Context(), "sure, call me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Intent != decision.IntentContactProvided {
		t.Errorf("Intent = %v, want CONTACT_PROVIDED", got.Intent)
	}
	if !got.HasPhone {
		t.Error("expected HasPhone = true for a validatable E.164 number")
	}
}

func TestAnalyzeDiscardsUnvalidatablePhone(t *testing.T) {
	a, srv := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(groqResponse{
			Intent:       "CONTACT_PROVIDED",
			PhoneNumbers: []string{"call me maybe"},
		})
	})
	defer srv.Close()

	got, err := a.Analyze(t.Context(), "body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HasPhone {
		t.Error("unvalidatable phone number must not set HasPhone")
	}
}

func TestAnalyzeCollapsesUnknownIntentToUnclear(t *testing.T) {
	a, srv := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(groqResponse{Intent: "MAYBE_INTERESTED_IDK"})
	})
	defer srv.Close()

	got, err := a.Analyze(t.Context(), "body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Intent != decision.IntentUnclear {
		t.Errorf("Intent = %v, want UNCLEAR for an out-of-enum label", got.Intent)
	}
}

func TestAnalyzeAuthErrorDoesNotRetry(t *testing.T) {
	var calls int32
	a, srv := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	got, err := a.Analyze(t.Context(), "body")
	if err == nil {
		t.Fatal("expected an error from an auth failure")
	}
	if got.Intent != decision.IntentUnclear {
		t.Errorf("Intent = %v, want UNCLEAR on failure", got.Intent)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 call (no retry on auth error), got %d", calls)
	}
}

func TestAnalyzeRetriesTransientFailures(t *testing.T) {
	var calls int32
	a, srv := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(groqResponse{Intent: "INTERESTED"})
	})
	defer srv.Close()

	got, err := a.Analyze(t.Context(), "body")
	if err != nil {
		t.Fatalf("unexpected error after retries succeed: %v", err)
	}
	if got.Intent != decision.IntentInterested {
		t.Errorf("Intent = %v, want INTERESTED", got.Intent)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}
