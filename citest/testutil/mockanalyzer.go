package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// AnalyzerScenario is the YAML schema for canned analyzer verdicts.
type AnalyzerScenario struct {
	LagMS    int        `yaml:"lag_ms"`
	Fallback string     `yaml:"fallback"`
	Rules    []RiskRule `yaml:"rules"`
}

// RiskRule maps a prompt pattern to a verdict.
type RiskRule struct {
	Name     string `yaml:"name"`
	Contains string `yaml:"contains"`
	// Any of these must be present (case-insensitive).
	ContainsAny []string `yaml:"contains_any"`
	Regex       string   `yaml:"regex"`
	Verdict     string   `yaml:"verdict"`
	Status      int      `yaml:"status"` // non-zero answers with an HTTP error
	Priority    int      `yaml:"priority"`
}

// Matches reports whether the rule applies to prompt.
func (r *RiskRule) Matches(prompt string) bool {
	lower := strings.ToLower(prompt)
	if r.Contains != "" && !strings.Contains(lower, strings.ToLower(r.Contains)) {
		return false
	}
	if len(r.ContainsAny) > 0 {
		found := false
		for _, s := range r.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Regex != "" {
		re, err := regexp.Compile(r.Regex)
		if err != nil || !re.MatchString(prompt) {
			return false
		}
	}
	return r.Contains != "" || len(r.ContainsAny) > 0 || r.Regex != ""
}

// DefaultAnalyzerScenario covers the commands the e2e specs type.
func DefaultAnalyzerScenario() *AnalyzerScenario {
	return &AnalyzerScenario{
		Fallback: "LOW risk: routine maintenance.",
		Rules: []RiskRule{
			{Name: "destructive", ContainsAny: []string{"rm -rf", "mkfs", "dd if="}, Verdict: "HIGH risk: destructive filesystem operation.", Priority: 10},
			{Name: "privilege", Regex: `(?m)^\d+\. (sudo|chmod|chown) `, Verdict: "MEDIUM risk: privilege or permission change.", Priority: 5},
			{Name: "outage", Contains: "simulate-outage", Status: http.StatusServiceUnavailable, Priority: 20},
		},
	}
}

// LoadAnalyzerScenario reads a scenario file.
func LoadAnalyzerScenario(path string) (*AnalyzerScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s AnalyzerScenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Match returns the highest priority matching rule.
func (s *AnalyzerScenario) Match(prompt string) (*RiskRule, bool) {
	rules := make([]RiskRule, len(s.Rules))
	copy(rules, s.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	for i := range rules {
		if rules[i].Matches(prompt) {
			return &rules[i], true
		}
	}
	return nil, false
}

// AnalyzerRequest records one call to the mock analyzer.
type AnalyzerRequest struct {
	Timestamp time.Time
	Model     string
	Prompt    string
}

// MockAnalyzer mimics an Ollama style generate endpoint.
type MockAnalyzer struct {
	server   *httptest.Server
	scenario *AnalyzerScenario

	mu       sync.Mutex
	requests []AnalyzerRequest
}

// NewMockAnalyzer starts a mock analyzer. A nil scenario selects the default.
func NewMockAnalyzer(scenario *AnalyzerScenario) *MockAnalyzer {
	if scenario == nil {
		scenario = DefaultAnalyzerScenario()
	}
	m := &MockAnalyzer{scenario: scenario}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", m.handleGenerate)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the generate endpoint.
func (m *MockAnalyzer) URL() string {
	return m.server.URL + "/api/generate"
}

// Close shuts down the mock analyzer.
func (m *MockAnalyzer) Close() {
	m.server.Close()
}

// Requests returns every recorded request.
func (m *MockAnalyzer) Requests() []AnalyzerRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AnalyzerRequest(nil), m.requests...)
}

// Reset forgets recorded requests.
func (m *MockAnalyzer) Reset() {
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

func (m *MockAnalyzer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, AnalyzerRequest{Timestamp: time.Now(), Model: req.Model, Prompt: req.Prompt})
	m.mu.Unlock()

	if m.scenario.LagMS > 0 {
		select {
		case <-time.After(time.Duration(m.scenario.LagMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	verdict := m.scenario.Fallback
	if rule, ok := m.scenario.Match(req.Prompt); ok {
		if rule.Status != 0 {
			http.Error(w, "analyzer unavailable", rule.Status)
			return
		}
		verdict = rule.Verdict
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model":    req.Model,
		"response": verdict,
		"done":     true,
	})
}
