package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turms-labs/turms-go/pkg/config"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/turms"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ratchet.ResetForTests()

	facade, _, err := turms.FromConfig(config.Config{})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RateLimit = 1000
	return NewServer(facade, cfg)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateOfferEndpointReturnsSDP(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/offer", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "offer", body["type"])
	assert.NotEmpty(t, body["sdp"])
}

func TestAcceptEndpointRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accept", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendEndpointFailsForUnknownPeer(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(map[string]string{"text": "hi"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/peers/ghost/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAccountSaveAndRestoreEndpoints(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/account/save", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var saveBody map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saveBody))
	require.NotEmpty(t, saveBody["pickle"])

	restoreReq, err := json.Marshal(map[string]string{"pickle": saveBody["pickle"]})
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/account/restore", bytes.NewReader(restoreReq))
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestRateLimitMiddlewareBlocksExcessRequests(t *testing.T) {
	ratchet.ResetForTests()
	facade, _, err := turms.FromConfig(config.Config{})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RateLimit = 2
	s := NewServer(facade, cfg)

	var sawLimit bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			sawLimit = true
			break
		}
	}
	assert.True(t, sawLimit, "expected the rate limiter to trip within 5 requests")
}
