package sourceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/calendar"
)

// DefaultBaseURL is the production reporting API.
const DefaultBaseURL = "https://reportingapi.infonline.de/"

const maxResponseBytes = 8 << 20

// FetchStatus is the normalized outcome of a successful fetch.
type FetchStatus string

const (
	// FetchStatusOK indicates a parsed measurement is available.
	FetchStatusOK FetchStatus = "ok"
	// FetchStatusNoData indicates the upstream has not published a value for the request.
	FetchStatusNoData FetchStatus = "no_data"
)

// No-data reasons.
const (
	ReasonNotFound     = "not_found"
	ReasonEmptyData    = "empty_data"
	ReasonMissingTotal = "missing_total"
)

// ParsedMetric is one upstream value set for a site, metric, and date.
type ParsedMetric struct {
	Metric      Metric
	SiteID      string
	Date        time.Time
	Aggregation Aggregation

	Total         int64
	National      *int64
	International *int64

	IOMPTotal         *int64
	IOMPNational      *int64
	IOMPInternational *int64
	IOMBTotal         *int64

	Preliminary bool
	ExportedAt  time.Time
	Version     string
}

// FetchResult is the typed result of one metric fetch.
type FetchResult struct {
	Status   FetchStatus
	Reason   string
	Metric   ParsedMetric
	Metadata CallMetadata
}

// SiteFetch is one metric outcome inside FetchAllForSite.
type SiteFetch struct {
	Result FetchResult
	Err    error
}

// MetricClient is a typed client for the reporting API metric endpoints.
type MetricClient struct {
	baseURL       *url.URL
	requestClient *Client

	// Now anchors HealthCheck to a calendar day.
	Now func() time.Time
}

// NewMetricClient creates a typed metric client over the retrying request client.
func NewMetricClient(baseURL string, requestClient *Client) (*MetricClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &MetricClient{
		baseURL:       parsed,
		requestClient: requestClient,
		Now:           time.Now,
	}, nil
}

// Stats exposes the underlying request client counters.
func (c *MetricClient) Stats() Stats {
	return c.requestClient.Stats()
}

// Fetch reads one metric value for a site and date.
func (c *MetricClient) Fetch(
	ctx context.Context,
	metric Metric,
	siteID string,
	date time.Time,
	aggregation Aggregation,
) (FetchResult, error) {
	trimmedSite := strings.TrimSpace(siteID)
	if trimmedSite == "" {
		return FetchResult{}, fmt.Errorf("site id is required")
	}
	if !metric.Valid() {
		return FetchResult{}, fmt.Errorf("unsupported metric %q", metric)
	}
	if date.IsZero() {
		return FetchResult{}, fmt.Errorf("date is required")
	}
	if aggregation == "" {
		aggregation = AggregationDay
	}
	day := calendar.Day(date)

	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, "api", "v1", metric.Endpoint())
	query := reqURL.Query()
	query.Set("site", trimmedSite)
	query.Set("aggregation", string(aggregation))
	query.Set("date", calendar.Format(day))
	query.Set("returntype", "json")
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build %s request: %w", metric, err)
	}

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return FetchResult{Metadata: metadata}, fmt.Errorf("%s request for site %s failed: %w", metric, trimmedSite, err)
	}
	if resp == nil {
		return FetchResult{Metadata: metadata}, fmt.Errorf("%s request for site %s failed: nil response", metric, trimmedSite)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		closeBody(resp)
		return FetchResult{Status: FetchStatusNoData, Reason: ReasonNotFound, Metadata: metadata}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		closeBody(resp)
		return FetchResult{Metadata: metadata}, fmt.Errorf("%s request for site %s: status %d: %w", metric, trimmedSite, resp.StatusCode, ErrCredential)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		closeBody(resp)
		return FetchResult{Metadata: metadata}, fmt.Errorf("%s request for site %s: status %d: %w", metric, trimmedSite, resp.StatusCode, ErrUnexpectedStatus)
	}

	body, err := readBodyAndClose(resp)
	if err != nil {
		return FetchResult{Metadata: metadata}, fmt.Errorf("read %s response: %w", metric, err)
	}

	result, err := parseEnvelope(body)
	if err != nil {
		return FetchResult{Metadata: metadata}, fmt.Errorf("decode %s response for site %s: %w", metric, trimmedSite, err)
	}
	result.Metadata = metadata
	result.Metric.Metric = metric
	result.Metric.SiteID = trimmedSite
	result.Metric.Date = day
	result.Metric.Aggregation = aggregation
	return result, nil
}

// FetchAllForSite fetches every listed metric for one site and date, sequentially.
func (c *MetricClient) FetchAllForSite(
	ctx context.Context,
	siteID string,
	date time.Time,
	metrics []Metric,
) map[Metric]SiteFetch {
	if len(metrics) == 0 {
		metrics = SupportedMetrics()
	}
	results := make(map[Metric]SiteFetch, len(metrics))
	for _, metric := range metrics {
		result, err := c.Fetch(ctx, metric, siteID, date, AggregationDay)
		results[metric] = SiteFetch{Result: result, Err: err}
	}
	return results
}

// HealthCheck probes the upstream with yesterday's page impressions for one site.
// Both a value and a "no data" answer count as healthy.
func (c *MetricClient) HealthCheck(ctx context.Context, siteID string) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	_, err := c.Fetch(ctx, MetricPageImpressions, siteID, calendar.Yesterday(now()), AggregationDay)
	if err != nil {
		return fmt.Errorf("upstream health check: %w", err)
	}
	return nil
}

func parseEnvelope(body []byte) (FetchResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return FetchResult{Status: FetchStatusNoData, Reason: ReasonEmptyData}, nil
	}

	var envelope envelopePayload
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %d bytes, %s: %v", ErrMalformedResponse, len(trimmed), describeShape(trimmed), err)
	}
	if isEmptyNode(envelope.Data) {
		return FetchResult{Status: FetchStatusNoData, Reason: ReasonEmptyData}, nil
	}

	var data dataPayload
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %d bytes, data is %s: %v", ErrMalformedResponse, len(trimmed), describeShape(envelope.Data), err)
	}

	iom, err := firstSeries(data.IOM)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: iom node: %v", ErrMalformedResponse, err)
	}
	if iom == nil {
		return FetchResult{Status: FetchStatusNoData, Reason: ReasonEmptyData}, nil
	}
	total := iom.total()
	if total == nil {
		return FetchResult{Status: FetchStatusNoData, Reason: ReasonMissingTotal}, nil
	}

	parsed := ParsedMetric{
		Total:         *total,
		National:      iom.national(),
		International: iom.international(),
		Preliminary:   true,
	}
	if iom.Preliminary != nil {
		parsed.Preliminary = *iom.Preliminary
	}

	iomp, err := firstSeries(data.IOMP)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: iomp node: %v", ErrMalformedResponse, err)
	}
	if iomp != nil {
		parsed.IOMPTotal = iomp.total()
		parsed.IOMPNational = iomp.national()
		parsed.IOMPInternational = iomp.international()
	}

	iomb, err := firstSeries(data.IOMB)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: iomb node: %v", ErrMalformedResponse, err)
	}
	if iomb != nil {
		parsed.IOMBTotal = roundedInt(iomb.PIs)
	}

	if envelope.Metadata != nil {
		parsed.Version = strings.TrimSpace(envelope.Metadata.Version)
		parsed.ExportedAt = parseExportedAt(envelope.Metadata.ExportedAt)
	}

	return FetchResult{Status: FetchStatusOK, Metric: parsed}, nil
}

// firstSeries decodes a node that is either an object or a list of objects, returning the first entry.
func firstSeries(raw json.RawMessage) (*seriesPayload, error) {
	if isEmptyNode(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var list []seriesPayload
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return &list[0], nil
	}

	var single seriesPayload
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return &single, nil
}

func isEmptyNode(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

func describeShape(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "empty"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	default:
		return "scalar"
	}
}

func parseExportedAt(raw string) time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *MetricClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	path := strings.TrimRight(base, "/")
	for _, segment := range segments {
		path += "/" + strings.Trim(segment, "/")
	}
	return path
}

func readBodyAndClose(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func roundedInt(value *float64) *int64 {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return nil
	}
	rounded := int64(math.Round(*value))
	return &rounded
}

func firstPresent(values ...*float64) *int64 {
	for _, value := range values {
		if converted := roundedInt(value); converted != nil {
			return converted
		}
	}
	return nil
}

type envelopePayload struct {
	Metadata *metadataPayload `json:"metadata"`
	Data     json.RawMessage  `json:"data"`
}

type metadataPayload struct {
	Version    string `json:"version"`
	ExportedAt string `json:"exported_at"`
}

type dataPayload struct {
	IOM  json.RawMessage `json:"iom"`
	IOMP json.RawMessage `json:"iomp"`
	IOMB json.RawMessage `json:"iomb"`
}

type seriesPayload struct {
	PIs         *float64 `json:"pis"`
	Visits      *float64 `json:"visits"`
	Clients     *float64 `json:"clients"`
	PIsNat      *float64 `json:"pisnat"`
	VisitsNat   *float64 `json:"visitsnat"`
	PIsInt      *float64 `json:"pisint"`
	VisitsInt   *float64 `json:"visitsint"`
	Preliminary *bool    `json:"preliminary"`
}

func (s *seriesPayload) total() *int64 {
	return firstPresent(s.PIs, s.Visits, s.Clients)
}

func (s *seriesPayload) national() *int64 {
	return firstPresent(s.PIsNat, s.VisitsNat)
}

func (s *seriesPayload) international() *int64 {
	return firstPresent(s.PIsInt, s.VisitsInt)
}
