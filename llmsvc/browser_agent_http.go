package llmsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/core"
)

// HTTPBrowserAgent is a hand-rolled HTTP client for a hosted
// browser-automation service, selected whenever
// TASKMESH_BROWSER_AGENT_API_KEY is configured. It implements both
// browser.Agent (session lifecycle, for the Session Pool) and
// llmsvc.BrowserAgent (prompt execution, for the Step Executor) against the
// same backend, mirroring HTTPClient's zero-dependency style for the LLM
// side.
type HTTPBrowserAgent struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPBrowserAgent constructs an HTTPBrowserAgent. baseURL defaults to a
// placeholder that must be overridden via TASKMESH_BROWSER_AGENT_BASE_URL in
// any real deployment; it exists so the zero-value client still builds
// well-formed requests.
func NewHTTPBrowserAgent(apiKey, baseURL string, logger core.Logger) *HTTPBrowserAgent {
	if baseURL == "" {
		baseURL = "https://browser-agent.invalid"
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &HTTPBrowserAgent{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		logger:     logger,
	}
}

type httpSession struct {
	id     string
	domain string
	agent  *HTTPBrowserAgent
}

func (s *httpSession) Domain() string { return s.domain }

func (s *httpSession) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.agent.baseURL+"/sessions/"+s.id, nil)
	if err != nil {
		return err
	}
	s.agent.authorize(req)

	resp, err := s.agent.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("browser agent: close session: status %d", resp.StatusCode)
	}
	return nil
}

// NewSession implements browser.Agent.
func (a *HTTPBrowserAgent) NewSession(ctx context.Context, domain string) (browser.Session, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("browser agent api key not configured")
	}

	payload, _ := json.Marshal(map[string]string{"domain": domain})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("browser agent: create session: status %d", resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("browser agent: decode session response: %w", err)
	}
	return &httpSession{id: body.ID, domain: domain, agent: a}, nil
}

// Run implements llmsvc.BrowserAgent.
func (a *HTTPBrowserAgent) Run(ctx context.Context, sessionID, prompt string) (*BrowserAgentResult, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("browser agent api key not configured")
	}

	payload, _ := json.Marshal(map[string]string{"session_id": sessionID, "prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("browser agent: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("browser agent: run: status %d: %s", resp.StatusCode, string(raw))
	}

	var body struct {
		Result    interface{} `json:"result"`
		ErrorKind string      `json:"error_kind"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		// The service did not reply with the expected envelope; hand the
		// raw body to the Result Parser rather than failing the step.
		return &BrowserAgentResult{Raw: string(raw)}, nil
	}

	return &BrowserAgentResult{Parsed: body.Result, Raw: string(raw), ErrorKind: body.ErrorKind}, nil
}

func (a *HTTPBrowserAgent) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}
