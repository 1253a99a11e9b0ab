package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app can serve but the upstream, the lock
	// backend or ingestion freshness is failing.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Component names reported in Status.Components.
const (
	ComponentStore            = "store"
	ComponentSource           = "source_api"
	ComponentLocks            = "locks"
	ComponentExporterCache    = "exporter_cache"
	ComponentBackfillConsumer = "backfill_consumer"
	ComponentIngestFreshness  = "ingest_freshness"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy    bool
	SourceHealthy   bool
	LockHealthy     bool
	ConsumerHealthy bool
	ExporterHealthy bool
	BackfillEnabled bool
	// LastRunAt is the finish time of the latest job, zero when none ran.
	LastRunAt time.Time
	// LastRunStatus is the status of the latest job.
	LastRunStatus string
	// MaxRunAge marks ingestion stale when the latest job is older. Zero disables the check.
	MaxRunAge time.Duration
	Now       time.Time
}

// Status represents evaluated application health.
type Status struct {
	Mode          Mode            `json:"mode"`
	Ready         bool            `json:"ready"`
	Components    map[string]bool `json:"components"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
}

// Failing returns the sorted names of unhealthy components.
func (s Status) Failing() []string {
	var failing []string
	for name, ok := range s.Components {
		if !ok {
			failing = append(failing, name)
		}
	}
	slices.Sort(failing)
	return failing
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate derives readiness and mode. The store and exporter cache gate
// readiness, as does the backfill consumer when backfill is enabled. Source,
// locks and freshness only degrade.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		ComponentStore:         input.StoreHealthy,
		ComponentSource:        input.SourceHealthy,
		ComponentLocks:         input.LockHealthy,
		ComponentExporterCache: input.ExporterHealthy,
	}
	required := []string{ComponentStore, ComponentExporterCache}
	if input.BackfillEnabled {
		components[ComponentBackfillConsumer] = input.ConsumerHealthy
		required = append(required, ComponentBackfillConsumer)
	}
	if input.MaxRunAge > 0 && !input.LastRunAt.IsZero() {
		components[ComponentIngestFreshness] = input.Now.Sub(input.LastRunAt) <= input.MaxRunAge
	}

	status := Status{
		Mode:          ModeHealthy,
		Ready:         true,
		Components:    components,
		LastRunStatus: input.LastRunStatus,
	}
	for _, name := range required {
		status.Ready = status.Ready && components[name]
	}
	switch {
	case !status.Ready:
		status.Mode = ModeUnhealthy
	case len(status.Failing()) > 0:
		status.Mode = ModeDegraded
	}

	if !input.LastRunAt.IsZero() {
		lastRun := input.LastRunAt.UTC()
		status.LastRunAt = &lastRun
	}
	return status
}

// NewHandler serves /livez, /readyz and /healthz from provider.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			writeText(w, http.StatusOK, "ready")
			return
		}
		writeText(w, http.StatusServiceUnavailable, "not ready: "+strings.Join(status.Failing(), ","))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			writeText(w, http.StatusInternalServerError, `{"mode":"unhealthy","error":"marshal health status"}`)
			return
		}
		code := http.StatusOK
		if status.Mode == ModeUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		//nolint:gosec // Health payload is server-generated JSON status.
		_, _ = w.Write(payload)
	})

	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
