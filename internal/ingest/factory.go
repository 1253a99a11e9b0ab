package ingest

import (
	"fmt"
	"net/http"

	"github.com/cam3ron2/reach-monitor/internal/config"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
)

// NewMetricClientFromConfig builds the rate-limited, retrying reporting API client.
// getenv resolves the credential when it is not set inline.
func NewMetricClientFromConfig(cfg *config.Config, getenv func(string) string) (*sourceapi.MetricClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	credential, err := cfg.ResolveCredential(getenv)
	if err != nil {
		return nil, err
	}

	httpClient, err := sourceapi.NewCredentialHTTPClient(sourceapi.CredentialConfig{
		Credential:    credential,
		UserAgent:     cfg.Source.UserAgent,
		Timeout:       cfg.Source.RequestTimeout,
		BaseTransport: http.DefaultTransport,
	})
	if err != nil {
		return nil, fmt.Errorf("create source http client: %w", err)
	}

	requestClient := sourceapi.NewClient(httpClient, sourceapi.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.InitialBackoff,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxBackoff,
		Jitter:      cfg.Retry.Jitter,
	}, sourceapi.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))

	metricClient, err := sourceapi.NewMetricClient(cfg.Source.BaseURL, requestClient)
	if err != nil {
		return nil, fmt.Errorf("create metric client: %w", err)
	}
	return metricClient, nil
}

// SitesFromConfig converts configured sites.
func SitesFromConfig(cfg *config.Config) []Site {
	if cfg == nil {
		return nil
	}
	sites := make([]Site, 0, len(cfg.Sites))
	for _, site := range cfg.Sites {
		sites = append(sites, Site{
			SiteID:  site.SiteID,
			Brand:   site.Brand,
			Surface: site.Surface,
			Name:    site.Name,
		})
	}
	return sites
}

// OptionsFromConfig returns engine and range options from the ingest and source sections.
func OptionsFromConfig(cfg *config.Config) (Options, RangeOptions) {
	if cfg == nil {
		return Options{}, RangeOptions{}
	}
	opts := Options{
		PairConcurrency: cfg.Ingest.PairConcurrency,
		BatchSize:       cfg.Ingest.BatchSize,
		Aggregation:     cfg.Source.Aggregation,
	}
	rangeOpts := RangeOptions{
		Parallel:   cfg.Ingest.Parallel,
		MaxWorkers: cfg.Ingest.MaxWorkers,
	}
	return opts, rangeOpts
}
