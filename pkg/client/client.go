// Package client provides the OSV (https://osv.dev) lookup source: an HTTP
// client that queries the OSV API for one package version at a time and
// classifies failures for the retry policy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/ratelimit"
)

// SourceName is the name of the OSV source and its rate-limited resource.
const SourceName = ratelimit.ResourceOSV

// DefaultBaseURL is the public OSV API.
const DefaultBaseURL = "https://api.osv.dev"

// queryPath is the single-package query endpoint.
const queryPath = "/v1/query"

// maxPages bounds next_page_token following for a single package.
const maxPages = 20

// Prometheus metrics for OSV client operations.
var (
	osvRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_osv_requests_total",
		Help: "Total OSV API requests by status",
	}, []string{"status"})

	osvRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulnscan_osv_request_duration_seconds",
		Help:    "OSV API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	osvErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_osv_errors_total",
		Help: "Total OSV API errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the OSV API, without trailing slash.
	BaseURL string

	// User-Agent header identifying the scanner.
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// HTTPClient overrides the default client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// OSV is a lookup.Source backed by the OSV API.
type OSV struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new OSV client.
func New(cfg Config) (*OSV, error) {
	if cfg.UserAgent == "" {
		return nil, ErrUserAgentRequired
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OSV{
		httpClient: httpClient,
		config:     cfg,
		logger:     log.With().Str("component", "osv-client").Logger(),
	}, nil
}

// Name implements lookup.Source.
func (c *OSV) Name() string {
	return SourceName
}

type osvQuery struct {
	Package   osvPackage `json:"package"`
	Version   string     `json:"version"`
	PageToken string     `json:"page_token,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns         []osvVuln `json:"vulns"`
	NextPageToken string    `json:"next_page_token"`
}

type osvVuln struct {
	ID               string `json:"id"`
	Summary          string `json:"summary"`
	Details          string `json:"details"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
}

// Lookup implements lookup.Source. One call may issue several HTTP requests
// when OSV paginates the result.
func (c *OSV) Lookup(ctx context.Context, unitID string) (lookup.Result, error) {
	pkg, err := lookup.ParsePackage(unitID)
	if err != nil {
		return lookup.Result{}, lookup.NewPermanent(SourceName, unitID, err)
	}

	result := lookup.Result{Source: SourceName}
	seen := make(map[string]bool)

	query := osvQuery{
		Package: osvPackage{Name: pkg.Name, Ecosystem: pkg.Ecosystem},
		Version: pkg.Version,
	}

	for page := 0; page < maxPages; page++ {
		resp, err := c.query(ctx, unitID, query)
		if err != nil {
			return lookup.Result{}, err
		}

		for _, v := range resp.Vulns {
			if seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			result.Findings = append(result.Findings, toFinding(v))
		}

		if resp.NextPageToken == "" {
			break
		}
		query.PageToken = resp.NextPageToken
	}

	sort.Slice(result.Findings, func(i, j int) bool {
		return result.Findings[i].ID < result.Findings[j].ID
	})

	c.logger.Debug().
		Str("unit", unitID).
		Int("findings", len(result.Findings)).
		Msg("OSV lookup complete")

	return result, nil
}

// query performs a single POST to the query endpoint.
func (c *OSV) query(ctx context.Context, unitID string, q osvQuery) (*osvResponse, error) {
	startTime := time.Now()
	defer func() {
		osvRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	body, err := json.Marshal(q)
	if err != nil {
		return nil, lookup.NewPermanent(SourceName, unitID, fmt.Errorf("marshal query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, lookup.NewPermanent(SourceName, unitID, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn().Err(err).Str("unit", unitID).Msg("HTTP request failed")
		osvErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		osvRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, (&APIError{Unit: unitID, Class: ErrorClassNetwork, Err: err}).lookupError()
	}
	defer resp.Body.Close()

	osvRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		apiErr := statusError(unitID, resp)
		osvErrorsTotal.WithLabelValues(string(apiErr.Class)).Inc()

		c.logger.Warn().
			Str("unit", unitID).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Str("message", apiErr.Message).
			Msg("OSV request error")

		return nil, apiErr.lookupError()
	}

	var out osvResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		osvErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, (&APIError{
			Unit:       unitID,
			StatusCode: resp.StatusCode,
			Class:      ErrorClassDecode,
			Message:    "decode response",
			Err:        err,
		}).lookupError()
	}

	return &out, nil
}

// toFinding normalizes an OSV vulnerability.
func toFinding(v osvVuln) lookup.Finding {
	summary := v.Summary
	if summary == "" {
		summary, _, _ = strings.Cut(strings.TrimSpace(v.Details), "\n")
	}

	return lookup.Finding{
		ID:       v.ID,
		Severity: severityOf(v),
		Summary:  summary,
	}
}

// severityOf prefers the database-specific rating (e.g. GHSA "HIGH") and falls
// back to the type of the first scored vector.
func severityOf(v osvVuln) string {
	if s := strings.TrimSpace(v.DatabaseSpecific.Severity); s != "" {
		return strings.ToUpper(s)
	}
	for _, s := range v.Severity {
		if s.Score != "" {
			return s.Type
		}
	}
	return "UNKNOWN"
}
