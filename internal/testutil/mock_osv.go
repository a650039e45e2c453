// Package testutil provides testing utilities for the vulnerability scanner.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockVuln is one vulnerability served by MockOSV.
type MockVuln struct {
	ID       string
	Summary  string
	Severity string
}

// MockOSVResponse overrides the reply for one package.
type MockOSVResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockOSV is a configurable mock OSV API server for testing.
type MockOSV struct {
	server *httptest.Server
	mu     sync.RWMutex

	vulns     map[string][]MockVuln
	responses map[string]MockOSVResponse

	// PageSize splits replies into pages linked by next_page_token. Zero disables paging.
	PageSize int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	Queried           map[string]int
}

type mockQuery struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Version   string `json:"version"`
	PageToken string `json:"page_token"`
}

// NewMockOSV creates a new mock OSV server.
func NewMockOSV() *MockOSV {
	mock := &MockOSV{
		vulns:     make(map[string][]MockVuln),
		responses: make(map[string]MockOSVResponse),
		Queried:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockOSV) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOSV) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOSV) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.Queried = make(map[string]int)
}

// SetVulns configures the vulnerabilities reported for a unit id
// ("ecosystem:name@version").
func (m *MockOSV) SetVulns(unitID string, vulns ...MockVuln) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vulns[unitID] = vulns
}

// SetPageSize splits replies into pages of n vulnerabilities.
func (m *MockOSV) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PageSize = n
}

// SetResponse configures a raw reply for a unit id, e.g. an error status.
func (m *MockOSV) SetResponse(unitID string, resp MockOSVResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[unitID] = resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOSV) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// LastHeader returns the headers of the most recent request.
func (m *MockOSV) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

// QueryCount returns how often a unit id was queried.
func (m *MockOSV) QueryCount(unitID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Queried[unitID]
}

func (m *MockOSV) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/query" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var q mockQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	unitID := fmt.Sprintf("%s:%s@%s", q.Package.Ecosystem, q.Package.Name, q.Version)

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.Queried[unitID]++
	resp, override := m.responses[unitID]
	vulns := m.vulns[unitID]
	pageSize := m.PageSize
	m.mu.Unlock()

	if override {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
		return
	}

	start, _ := strconv.Atoi(q.PageToken)
	end := len(vulns)
	next := ""
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
		next = strconv.Itoa(end)
	}
	if start > end {
		start = end
	}

	type vuln struct {
		ID               string            `json:"id"`
		Summary          string            `json:"summary"`
		DatabaseSpecific map[string]string `json:"database_specific,omitempty"`
	}
	out := struct {
		Vulns         []vuln `json:"vulns,omitempty"`
		NextPageToken string `json:"next_page_token,omitempty"`
	}{NextPageToken: next}

	for _, v := range vulns[start:end] {
		item := vuln{ID: v.ID, Summary: v.Summary}
		if v.Severity != "" {
			item.DatabaseSpecific = map[string]string{"severity": v.Severity}
		}
		out.Vulns = append(out.Vulns, item)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockOSVResponse {
	return MockOSVResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"code": 8, "message": "Resource exhausted"}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockOSVResponse {
	return MockOSVResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"code": 13, "message": "Internal error"}`,
	}
}

// NewNotFoundResponse creates a 404 response for an unknown package.
func NewNotFoundResponse() MockOSVResponse {
	return MockOSVResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"code": 5, "message": "Package not found"}`,
	}
}
