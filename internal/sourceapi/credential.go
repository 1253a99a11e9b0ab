package sourceapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultUserAgent = "reach-monitor/1.0"

// CredentialConfig configures the shared-credential HTTP client.
type CredentialConfig struct {
	Credential          string
	UserAgent           string
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	BaseTransport       http.RoundTripper
}

// NewCredentialHTTPClient creates a pooled HTTP client that stamps the credential on every request.
func NewCredentialHTTPClient(cfg CredentialConfig) (*http.Client, error) {
	credential := strings.TrimSpace(cfg.Credential)
	if credential == "" {
		return nil, fmt.Errorf("credential is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		pooled := http.DefaultTransport.(*http.Transport).Clone()
		pooled.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		if pooled.MaxIdleConnsPerHost <= 0 {
			pooled.MaxIdleConnsPerHost = 10
		}
		baseTransport = pooled
	}

	return &http.Client{
		Transport: &credentialTransport{
			base:       baseTransport,
			credential: credential,
			userAgent:  userAgent,
		},
		Timeout: timeout,
	}, nil
}

type credentialTransport struct {
	base       http.RoundTripper
	credential string
	userAgent  string
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	stamped := req.Clone(req.Context())
	stamped.Header.Set("authorization", t.credential)
	stamped.Header.Set("Accept", "application/json")
	stamped.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(stamped)
}
