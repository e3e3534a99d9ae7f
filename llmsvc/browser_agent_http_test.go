package llmsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBrowserAgentNewSessionAndClose(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	agent := NewHTTPBrowserAgent("test-key", srv.URL, nil)
	session, err := agent.NewSession(context.Background(), "www.amazon.com")
	require.NoError(t, err)
	assert.Equal(t, "www.amazon.com", session.Domain())
	assert.Equal(t, "/sessions", gotPath)

	require.NoError(t, session.Close(context.Background()))
}

func TestHTTPBrowserAgentRunReturnsParsedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"extracted": []interface{}{}},
		})
	}))
	defer srv.Close()

	agent := NewHTTPBrowserAgent("test-key", srv.URL, nil)
	result, err := agent.Run(context.Background(), "sess-1", "search for laptops")
	require.NoError(t, err)
	assert.NotNil(t, result.Parsed)
}

func TestHTTPBrowserAgentRunFallsBackToRawOnMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	agent := NewHTTPBrowserAgent("test-key", srv.URL, nil)
	result, err := agent.Run(context.Background(), "sess-1", "search for laptops")
	require.NoError(t, err)
	assert.Equal(t, "not json", result.Raw)
	assert.Nil(t, result.Parsed)
}

func TestHTTPBrowserAgentRejectsWithoutAPIKey(t *testing.T) {
	agent := NewHTTPBrowserAgent("", "https://example.invalid", nil)
	_, err := agent.NewSession(context.Background(), "x.com")
	require.Error(t, err)

	_, err = agent.Run(context.Background(), "sess-1", "prompt")
	require.Error(t, err)
}

func TestHTTPBrowserAgentPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := NewHTTPBrowserAgent("test-key", srv.URL, nil)
	_, err := agent.NewSession(context.Background(), "x.com")
	require.Error(t, err)
}
