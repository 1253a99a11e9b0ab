package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/alerting"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"github.com/go-chi/chi/v5"
)

const (
	defaultAlertDays = 7
	maxAckBodyBytes  = 4 << 10
)

type jobResponse struct {
	Mode     string           `json:"mode"`
	Status   JobStatus        `json:"status"`
	Date     string           `json:"date,omitempty"`
	End      string           `json:"end,omitempty"`
	Inserted int              `json:"inserted"`
	Updated  int              `json:"updated"`
	Skipped  int              `json:"skipped"`
	Failed   int              `json:"failed"`
	Report   *alerting.Report `json:"report,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
}

type alertResponse struct {
	ID             int64      `json:"id"`
	Brand          string     `json:"brand"`
	Surface        string     `json:"surface"`
	Metric         string     `json:"metric"`
	Date           string     `json:"date"`
	Severity       string     `json:"severity"`
	ZScore         float64    `json:"zscore"`
	PctDelta       float64    `json:"pct_delta"`
	BaselineMedian float64    `json:"baseline_median"`
	BaselineMAD    *float64   `json:"baseline_mad,omitempty"`
	ActualValue    float64    `json:"actual_value"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type summaryResponse struct {
	Date   string                          `json:"date"`
	Brands map[string]brandSummaryResponse `json:"brands"`
}

type brandSummaryResponse struct {
	ingest.BrandSummary
	TotalPI     int64 `json:"total_pi"`
	TotalVisits int64 `json:"total_visits"`
}

type ackRequest struct {
	By string `json:"by"`
}

func newAPIHandler(r *Runtime) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Method(http.MethodPost, "/jobs/daily", wrapHTTPHandler(traceMode, "jobs_daily", http.HandlerFunc(r.serveDailyJob)))
	router.Method(http.MethodPost, "/jobs/range", wrapHTTPHandler(traceMode, "jobs_range", http.HandlerFunc(r.serveRangeJob)))
	router.Method(http.MethodPost, "/jobs/analyze", wrapHTTPHandler(traceMode, "jobs_analyze", http.HandlerFunc(r.serveAnalyzeJob)))
	router.Method(http.MethodGet, "/alerts", wrapHTTPHandler(traceMode, "alerts", http.HandlerFunc(r.serveAlerts)))
	router.Method(http.MethodPost, "/alerts/{id}/ack", wrapHTTPHandler(traceMode, "alerts_ack", http.HandlerFunc(r.serveAcknowledge)))
	router.Method(http.MethodGet, "/summary/daily", wrapHTTPHandler(traceMode, "summary_daily", http.HandlerFunc(r.serveDailySummary)))
	return router
}

func (r *Runtime) serveDailyJob(w http.ResponseWriter, req *http.Request) {
	date, err := r.optionalDate(req, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := r.RunDaily(req.Context(), date)
	writeJSON(w, jobHTTPStatus(result.Status), newJobResponse(result))
}

func (r *Runtime) serveRangeJob(w http.ResponseWriter, req *http.Request) {
	start, err := requiredDate(req, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := requiredDate(req, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("end date %s is before start date %s", calendar.Format(end), calendar.Format(start)))
		return
	}
	result := r.RunRange(req.Context(), start, end)
	writeJSON(w, jobHTTPStatus(result.Status), newJobResponse(result))
}

func (r *Runtime) serveAnalyzeJob(w http.ResponseWriter, req *http.Request) {
	date, err := r.optionalDate(req, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := r.Analyze(req.Context(), date)
	writeJSON(w, jobHTTPStatus(result.Status), newJobResponse(result))
}

func (r *Runtime) serveAlerts(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	var (
		alerts []store.Alert
		err    error
	)
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		date, parseErr := calendar.Parse(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr)
			return
		}
		alerts, err = r.alerts.ForDate(req.Context(), date)
	} else {
		days := defaultAlertDays
		if raw := strings.TrimSpace(query.Get("days")); raw != "" {
			days, err = strconv.Atoi(raw)
			if err != nil || days <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("days must be a positive integer"))
				return
			}
		}
		alerts, err = r.alerts.Recent(req.Context(), days)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	payload := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		payload = append(payload, newAlertResponse(alert))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Runtime) serveAcknowledge(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("alert id must be a positive integer"))
		return
	}
	var body ackRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAckBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode acknowledgment: %w", err))
		return
	}

	alert, err := r.alerts.Acknowledge(req.Context(), id, body.By)
	switch {
	case errors.Is(err, alerting.ErrAcknowledgerRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, newAlertResponse(alert))
	}
}

func (r *Runtime) serveDailySummary(w http.ResponseWriter, req *http.Request) {
	date, err := r.optionalDate(req, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if date.IsZero() {
		date = calendar.Yesterday(r.now())
	}
	brands := r.cfg.Brands()
	if brand := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("brand"))); brand != "" {
		brands = []string{brand}
	}

	summaries, err := r.engine.DailySummary(req.Context(), brands, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := summaryResponse{
		Date:   calendar.Format(date),
		Brands: make(map[string]brandSummaryResponse, len(summaries)),
	}
	for brand, summary := range summaries {
		payload.Brands[brand] = brandSummaryResponse{
			BrandSummary: summary,
			TotalPI:      summary.TotalPI(),
			TotalVisits:  summary.TotalVisits(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// optionalDate returns the zero time when the parameter is absent.
func (r *Runtime) optionalDate(req *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	date, err := calendar.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return date, nil
}

func requiredDate(req *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	date, err := calendar.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return date, nil
}

func jobHTTPStatus(status JobStatus) int {
	switch status {
	case JobSkipped:
		return http.StatusConflict
	case JobFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func newJobResponse(result JobResult) jobResponse {
	response := jobResponse{
		Mode:     result.Mode,
		Status:   result.Status,
		Inserted: result.Stats.Inserted,
		Updated:  result.Stats.Updated,
		Skipped:  result.Stats.Skipped,
		Failed:   result.Stats.Errors,
	}
	if !result.Date.IsZero() {
		response.Date = calendar.Format(result.Date)
	}
	if !result.End.IsZero() {
		response.End = calendar.Format(result.End)
	}
	if result.Mode != "range" && result.Status != JobSkipped {
		report := result.Report
		response.Report = &report
	}
	for _, err := range result.Errors {
		response.Errors = append(response.Errors, err.Error())
	}
	return response
}

func newAlertResponse(alert store.Alert) alertResponse {
	return alertResponse{
		ID:             alert.ID,
		Brand:          alert.Brand,
		Surface:        alert.Surface,
		Metric:         alert.Metric,
		Date:           calendar.Format(alert.Date),
		Severity:       alert.Severity,
		ZScore:         alert.ZScore,
		PctDelta:       alert.PctDelta,
		BaselineMedian: alert.BaselineMedian,
		BaselineMAD:    alert.BaselineMAD,
		ActualValue:    alert.ActualValue,
		Message:        alert.Message,
		Acknowledged:   alert.Acknowledged,
		AcknowledgedBy: alert.AcknowledgedBy,
		AcknowledgedAt: alert.AcknowledgedAt,
		CreatedAt:      alert.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:gosec // Payload is server-generated JSON.
	if _, err := w.Write(body); err != nil {
		return
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
