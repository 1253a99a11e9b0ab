package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func allHealthy() Input {
	return Input{
		StoreHealthy:    true,
		SourceHealthy:   true,
		LockHealthy:     true,
		ConsumerHealthy: true,
		ExporterHealthy: true,
	}
}

func TestStatusEvaluatorEvaluate(t *testing.T) {
	t.Parallel()

	with := func(mutate func(*Input)) Input {
		input := allHealthy()
		mutate(&input)
		return input
	}

	testCases := []struct {
		name      string
		input     Input
		wantReady bool
		wantMode  Mode
	}{
		{
			name:      "all_healthy",
			input:     allHealthy(),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name:      "source_down_is_degraded",
			input:     with(func(in *Input) { in.SourceHealthy = false }),
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name:      "lock_backend_down_is_degraded",
			input:     with(func(in *Input) { in.LockHealthy = false }),
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name:      "store_down_is_unhealthy",
			input:     with(func(in *Input) { in.StoreHealthy = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name:      "exporter_cache_down_is_unhealthy",
			input:     with(func(in *Input) { in.ExporterHealthy = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name: "fresh_run_is_healthy",
			input: with(func(in *Input) {
				in.LastRunAt = time.Unix(1739836800, 0)
				in.Now = in.LastRunAt.Add(20 * time.Hour)
				in.MaxRunAge = 36 * time.Hour
			}),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name: "stale_run_is_degraded",
			input: with(func(in *Input) {
				in.LastRunAt = time.Unix(1739836800, 0)
				in.Now = in.LastRunAt.Add(48 * time.Hour)
				in.MaxRunAge = 36 * time.Hour
			}),
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name: "no_run_yet_skips_freshness",
			input: with(func(in *Input) {
				in.Now = time.Unix(1739836800, 0)
				in.MaxRunAge = 36 * time.Hour
			}),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name: "consumer_ignored_without_backfill",
			input: with(func(in *Input) {
				in.ConsumerHealthy = false
			}),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name: "consumer_required_with_backfill",
			input: with(func(in *Input) {
				in.BackfillEnabled = true
				in.ConsumerHealthy = false
			}),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
	}

	evaluator := NewStatusEvaluator()
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := evaluator.Evaluate(tc.input)
			if got.Ready != tc.wantReady {
				t.Fatalf("Evaluate().Ready = %t, want %t", got.Ready, tc.wantReady)
			}
			if got.Mode != tc.wantMode {
				t.Fatalf("Evaluate().Mode = %q, want %q", got.Mode, tc.wantMode)
			}
			_, hasConsumer := got.Components["backfill_consumer"]
			if hasConsumer != tc.input.BackfillEnabled {
				t.Fatalf("Components[backfill_consumer] present = %t, want %t", hasConsumer, tc.input.BackfillEnabled)
			}
		})
	}
}

type staticProvider struct {
	status Status
}

func (s *staticProvider) CurrentStatus(_ context.Context) Status {
	return s.status
}

func TestHandler(t *testing.T) {
	t.Parallel()

	evaluator := NewStatusEvaluator()
	healthy := allHealthy()
	healthy.LastRunAt = time.Unix(1739836800, 0)
	healthy.LastRunStatus = "success"
	healthyStatus := evaluator.Evaluate(healthy)
	unhealthy := allHealthy()
	unhealthy.StoreHealthy = false
	unhealthyStatus := evaluator.Evaluate(unhealthy)

	testCases := []struct {
		name       string
		status     Status
		path       string
		wantCode   int
		wantSubstr []string
	}{
		{
			name:       "livez_always_ok",
			status:     unhealthyStatus,
			path:       "/livez",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ok"},
		},
		{
			name:       "readyz_healthy",
			status:     healthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ready"},
		},
		{
			name:       "readyz_unhealthy",
			status:     unhealthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{"not ready: store"},
		},
		{
			name:       "healthz_reports_components",
			status:     healthyStatus,
			path:       "/healthz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{`"mode":"healthy"`, `"store":true`, `"last_run_status":"success"`},
		},
		{
			name:       "healthz_unhealthy_status_code",
			status:     unhealthyStatus,
			path:       "/healthz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{`"mode":"unhealthy"`},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHandler(&staticProvider{status: tc.status})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := rec.Body.String()
			for _, substr := range tc.wantSubstr {
				if !strings.Contains(body, substr) {
					t.Fatalf("body %q missing %q", body, substr)
				}
			}
			if tc.path == "/healthz" {
				var decoded Status
				if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
					t.Fatalf("json.Unmarshal() unexpected error: %v", err)
				}
				if decoded.Mode != tc.status.Mode {
					t.Fatalf("decoded mode = %q, want %q", decoded.Mode, tc.status.Mode)
				}
			}
		})
	}
}

func TestStatusFailing(t *testing.T) {
	t.Parallel()

	input := allHealthy()
	input.SourceHealthy = false
	input.LockHealthy = false
	input.BackfillEnabled = true
	input.ConsumerHealthy = false

	got := NewStatusEvaluator().Evaluate(input).Failing()
	want := []string{ComponentBackfillConsumer, ComponentLocks, ComponentSource}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Failing() = %v, want %v", got, want)
	}
}
