// Package mockprovider is an in-process stand-in for the upstream
// provider's quota/usage/chat-completion endpoints, used by debug mode
// (spec §4.1 "Debug mode") and by tests that exercise apiclient and the
// scheduler without a real network call.
package mockprovider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Limit is one entry the mock quota endpoint reports back.
type Limit struct {
	Type             string   `json:"type"`
	Unit             string   `json:"unit"`
	Number           float64  `json:"number"`
	Percentage       float64  `json:"percentage"`
	NextResetTime    *int64   `json:"nextResetTime,omitempty"`
}

// Server is a programmable mock of the provider's HTTP surface. Tests
// mutate its exported fields directly between requests; handlers read
// them under a mutex, mirroring the teacher's plain net/http
// handler-function wiring (control_plane/main.go's route registration)
// rather than a richer HTTP test-double library, since none appears in
// the retrieval pack.
type Server struct {
	mu sync.Mutex

	Limits []Limit
	Level  string

	ModelCalls  int64
	ModelTokens int64

	ToolNetworkSearch int64
	ToolWebReadMCP    int64
	ToolZreadMCP      int64
	ToolSearchMCP     int64

	// QuotaStatus/WakeStatus let tests force an HTTP error response.
	QuotaStatus int
	WakeStatus  int

	WakeCalls  int
	QuotaCalls int

	// OnWake, if set, runs synchronously inside the wake handler before
	// the response is written — a test can use this to advance
	// NextResetTime as if the gateway's timer actually moved.
	OnWake func()

	httpSrv *httptest.Server
}

// New starts a mock server with empty state; callers then set Limits etc.
func New() *Server {
	s := &Server{QuotaStatus: http.StatusOK, WakeStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/monitor/usage/quota/limit", s.handleQuota)
	mux.HandleFunc("/api/monitor/usage/model-usage", s.handleModelUsage)
	mux.HandleFunc("/api/monitor/usage/tool-usage", s.handleToolUsage)
	mux.HandleFunc("/api/coding/paas/v4/chat/completions", s.handleWake)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// BaseURL is the httptest server's root, suitable for WithDebugMode.
func (s *Server) BaseURL() string { return s.httpSrv.URL }

// Close shuts down the underlying httptest server.
func (s *Server) Close() { s.httpSrv.Close() }

// SetNextReset sets the TOKENS_LIMIT entry's NextResetTime, creating the
// entry if absent.
func (s *Server) SetNextReset(epochMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Limits {
		if s.Limits[i].Type == "TOKENS_LIMIT" {
			v := epochMS
			s.Limits[i].NextResetTime = &v
			return
		}
	}
	v := epochMS
	s.Limits = append(s.Limits, Limit{Type: "TOKENS_LIMIT", Unit: "TOKENS", NextResetTime: &v})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.QuotaCalls++
	status := s.QuotaStatus
	limits := append([]Limit(nil), s.Limits...)
	level := s.Level
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	resp := map[string]interface{}{
		"code": 0,
		"data": map[string]interface{}{
			"level":  level,
			"limits": limits,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	calls, tokens := s.ModelCalls, s.ModelTokens
	s.mu.Unlock()

	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"totalUsage": map[string]interface{}{
				"totalModelCallCount": calls,
				"totalTokensUsage":    tokens,
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleToolUsage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	netSearch, webRead, zread, search := s.ToolNetworkSearch, s.ToolWebReadMCP, s.ToolZreadMCP, s.ToolSearchMCP
	s.mu.Unlock()

	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"totalUsage": map[string]interface{}{
				"totalNetworkSearchCount": netSearch,
				"totalWebReadMcpCount":    webRead,
				"totalZreadMcpCount":      zread,
				"totalSearchMcpCount":     search,
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.WakeCalls++
	status := s.WakeStatus
	onWake := s.OnWake
	s.mu.Unlock()

	if onWake != nil {
		onWake()
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, `{"id":"mock","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
}
