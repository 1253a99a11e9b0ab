package sourceapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/calendar"
)

const fullEnvelope = `{
  "metadata": {"version": "1.4", "exported_at": "2025-02-18T04:15:00Z"},
  "data": {
    "iom":  [{"pis": 123456, "pisnat": 100000, "pisint": 23456, "preliminary": false}],
    "iomp": [{"pis": 98000, "pisnat": 80000, "pisint": 18000}],
    "iomb": {"pis": 4321}
  }
}`

func newTestMetricClient(t *testing.T, handler http.HandlerFunc) (*MetricClient, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	httpClient, err := NewCredentialHTTPClient(CredentialConfig{
		Credential: "secret-key",
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewCredentialHTTPClient() unexpected error: %v", err)
	}
	requestClient := NewClient(httpClient, RetryPolicy{MaxAttempts: 3}, nil)
	requestClient.Sleep = func(context.Context, time.Duration) error { return nil }

	client, err := NewMetricClient(server.URL, requestClient)
	if err != nil {
		t.Fatalf("NewMetricClient() unexpected error: %v", err)
	}
	return client, server
}

func TestMetricClientFetchParsesEnvelope(t *testing.T) {
	t.Parallel()

	var gotPath, gotSite, gotDate, gotAggregation, gotReturnType, gotAuth, gotAccept string
	client, _ := newTestMetricClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSite = r.URL.Query().Get("site")
		gotDate = r.URL.Query().Get("date")
		gotAggregation = r.URL.Query().Get("aggregation")
		gotReturnType = r.URL.Query().Get("returntype")
		gotAuth = r.Header.Get("authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fullEnvelope))
	})

	date := calendar.Date(2025, 2, 17)
	result, err := client.Fetch(context.Background(), MetricPageImpressions, "at_w_atvol", date, AggregationDay)
	if err != nil {
		t.Fatalf("Fetch() unexpected error: %v", err)
	}

	if gotPath != "/api/v1/pageimpressions" {
		t.Fatalf("request path = %q, want /api/v1/pageimpressions", gotPath)
	}
	if gotSite != "at_w_atvol" || gotDate != "2025-02-17" || gotAggregation != "DAY" || gotReturnType != "json" {
		t.Fatalf("query = site:%q date:%q aggregation:%q returntype:%q", gotSite, gotDate, gotAggregation, gotReturnType)
	}
	if gotAuth != "secret-key" || gotAccept != "application/json" {
		t.Fatalf("headers = authorization:%q accept:%q", gotAuth, gotAccept)
	}

	if result.Status != FetchStatusOK {
		t.Fatalf("Fetch().Status = %q, want ok", result.Status)
	}
	parsed := result.Metric
	if parsed.Total != 123456 {
		t.Fatalf("Total = %d, want 123456", parsed.Total)
	}
	if parsed.National == nil || *parsed.National != 100000 {
		t.Fatalf("National = %v, want 100000", parsed.National)
	}
	if parsed.International == nil || *parsed.International != 23456 {
		t.Fatalf("International = %v, want 23456", parsed.International)
	}
	if parsed.IOMPTotal == nil || *parsed.IOMPTotal != 98000 {
		t.Fatalf("IOMPTotal = %v, want 98000", parsed.IOMPTotal)
	}
	if parsed.IOMBTotal == nil || *parsed.IOMBTotal != 4321 {
		t.Fatalf("IOMBTotal = %v, want 4321", parsed.IOMBTotal)
	}
	if parsed.Preliminary {
		t.Fatalf("Preliminary = true, want false")
	}
	if parsed.Version != "1.4" {
		t.Fatalf("Version = %q, want 1.4", parsed.Version)
	}
	wantExported := time.Date(2025, 2, 18, 4, 15, 0, 0, time.UTC)
	if !parsed.ExportedAt.Equal(wantExported) {
		t.Fatalf("ExportedAt = %v, want %v", parsed.ExportedAt, wantExported)
	}
	if !parsed.Date.Equal(date) || parsed.SiteID != "at_w_atvol" || parsed.Metric != MetricPageImpressions {
		t.Fatalf("identity = %v/%q/%q", parsed.Date, parsed.SiteID, parsed.Metric)
	}
	if result.Metadata.Attempts != 1 {
		t.Fatalf("Metadata.Attempts = %d, want 1", result.Metadata.Attempts)
	}
}

func TestMetricClientFetchOutcomes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		status       int
		body         string
		wantStatus   FetchStatus
		wantReason   string
		wantErr      error
		wantTotal    int64
		wantPrelim   bool
		wantAttempts int32
	}{
		{
			name:         "not_found_is_no_data",
			status:       http.StatusNotFound,
			wantStatus:   FetchStatusNoData,
			wantReason:   ReasonNotFound,
			wantAttempts: 1,
		},
		{
			name:         "missing_data_node_is_no_data",
			status:       http.StatusOK,
			body:         `{"metadata": {"version": "1.4"}}`,
			wantStatus:   FetchStatusNoData,
			wantReason:   ReasonEmptyData,
			wantAttempts: 1,
		},
		{
			name:         "empty_iom_list_is_no_data",
			status:       http.StatusOK,
			body:         `{"data": {"iom": []}}`,
			wantStatus:   FetchStatusNoData,
			wantReason:   ReasonEmptyData,
			wantAttempts: 1,
		},
		{
			name:         "missing_total_is_no_data",
			status:       http.StatusOK,
			body:         `{"data": {"iom": [{"pisnat": 10}]}}`,
			wantStatus:   FetchStatusNoData,
			wantReason:   ReasonMissingTotal,
			wantAttempts: 1,
		},
		{
			name:         "empty_body_is_no_data",
			status:       http.StatusOK,
			body:         "",
			wantStatus:   FetchStatusNoData,
			wantReason:   ReasonEmptyData,
			wantAttempts: 1,
		},
		{
			name:         "visits_object_defaults_preliminary",
			status:       http.StatusOK,
			body:         `{"data": {"iom": {"visits": 5000.0, "visitsnat": 4000}}}`,
			wantStatus:   FetchStatusOK,
			wantTotal:    5000,
			wantPrelim:   true,
			wantAttempts: 1,
		},
		{
			name:         "unauthorized_is_credential_error",
			status:       http.StatusUnauthorized,
			wantErr:      ErrCredential,
			wantAttempts: 1,
		},
		{
			name:         "forbidden_is_credential_error",
			status:       http.StatusForbidden,
			wantErr:      ErrCredential,
			wantAttempts: 1,
		},
		{
			name:         "malformed_json_is_parse_error",
			status:       http.StatusOK,
			body:         `{"data": {"iom": [`,
			wantErr:      ErrMalformedResponse,
			wantAttempts: 1,
		},
		{
			name:         "wrong_iom_shape_is_parse_error",
			status:       http.StatusOK,
			body:         `{"data": {"iom": "n/a"}}`,
			wantErr:      ErrMalformedResponse,
			wantAttempts: 1,
		},
		{
			name:         "server_error_exhausts_retries",
			status:       http.StatusInternalServerError,
			wantErr:      ErrRetriesExhausted,
			wantAttempts: 3,
		},
		{
			name:         "bad_request_is_unexpected_status",
			status:       http.StatusBadRequest,
			wantErr:      ErrUnexpectedStatus,
			wantAttempts: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			client, _ := newTestMetricClient(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			result, err := client.Fetch(context.Background(), MetricVisits, "at_i_volat", calendar.Date(2025, 2, 17), AggregationDay)
			if got := calls.Load(); got != tc.wantAttempts {
				t.Fatalf("upstream calls = %d, want %d", got, tc.wantAttempts)
			}
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Fetch() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() unexpected error: %v", err)
			}
			if result.Status != tc.wantStatus {
				t.Fatalf("Fetch().Status = %q, want %q", result.Status, tc.wantStatus)
			}
			if tc.wantReason != "" && result.Reason != tc.wantReason {
				t.Fatalf("Fetch().Reason = %q, want %q", result.Reason, tc.wantReason)
			}
			if tc.wantStatus == FetchStatusOK {
				if result.Metric.Total != tc.wantTotal {
					t.Fatalf("Total = %d, want %d", result.Metric.Total, tc.wantTotal)
				}
				if result.Metric.Preliminary != tc.wantPrelim {
					t.Fatalf("Preliminary = %t, want %t", result.Metric.Preliminary, tc.wantPrelim)
				}
			}
		})
	}
}

func TestMetricClientFetchValidation(t *testing.T) {
	t.Parallel()

	client, _ := newTestMetricClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Errorf("upstream must not be called for invalid input")
		w.WriteHeader(http.StatusOK)
	})

	testCases := []struct {
		name   string
		metric Metric
		site   string
		date   time.Time
	}{
		{name: "blank_site", metric: MetricVisits, site: " ", date: calendar.Date(2025, 1, 1)},
		{name: "unknown_metric", metric: Metric("bounces"), site: "s", date: calendar.Date(2025, 1, 1)},
		{name: "zero_date", metric: MetricVisits, site: "s"},
	}
	for _, tc := range testCases {
		if _, err := client.Fetch(context.Background(), tc.metric, tc.site, tc.date, AggregationDay); err == nil {
			t.Fatalf("%s: Fetch() expected error", tc.name)
		}
	}
}

func TestMetricClientFetchAllForSiteAndHealthCheck(t *testing.T) {
	t.Parallel()

	var requestedDate atomic.Value
	client, _ := newTestMetricClient(t, func(w http.ResponseWriter, r *http.Request) {
		requestedDate.Store(r.URL.Query().Get("date"))
		if r.URL.Path == "/api/v1/clients" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(fullEnvelope))
	})
	client.Now = func() time.Time { return time.Unix(1739836800, 0) }

	results := client.FetchAllForSite(context.Background(), "at_w_atvol", calendar.Date(2025, 2, 17), []Metric{MetricPageImpressions, MetricClients})
	if len(results) != 2 {
		t.Fatalf("FetchAllForSite() returned %d results, want 2", len(results))
	}
	if results[MetricPageImpressions].Result.Status != FetchStatusOK {
		t.Fatalf("pageimpressions status = %q, want ok", results[MetricPageImpressions].Result.Status)
	}
	if results[MetricClients].Result.Status != FetchStatusNoData || results[MetricClients].Err != nil {
		t.Fatalf("clients outcome = %+v, want no_data", results[MetricClients])
	}

	if err := client.HealthCheck(context.Background(), "at_w_atvol"); err != nil {
		t.Fatalf("HealthCheck() unexpected error: %v", err)
	}
	if got := requestedDate.Load(); got != "2025-02-17" {
		t.Fatalf("HealthCheck() requested date %v, want 2025-02-17", got)
	}
}

func TestNewMetricClient(t *testing.T) {
	t.Parallel()

	requestClient := NewClient(&fakeDoer{}, RetryPolicy{}, nil)
	testCases := []struct {
		name    string
		baseURL string
		client  *Client
		wantErr bool
	}{
		{name: "default_base_url", baseURL: "", client: requestClient},
		{name: "custom_base_url", baseURL: "https://reporting.example.test/root", client: requestClient},
		{name: "missing_request_client", baseURL: "https://reporting.example.test", wantErr: true},
		{name: "missing_scheme", baseURL: "reporting.example.test", client: requestClient, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewMetricClient(tc.baseURL, tc.client)
			if tc.wantErr && err == nil {
				t.Fatalf("NewMetricClient() expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("NewMetricClient() unexpected error: %v", err)
			}
		})
	}
}
