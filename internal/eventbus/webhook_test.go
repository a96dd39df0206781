package eventbus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/pkg/logx"
)

func TestWebhookTrigger(t *testing.T) {
	t.Parallel()
	b := newBus(0)
	h := NewWebhook(b, logx.Nop(), 0)

	req := httptest.NewRequest(http.MethodPost, "/webhook/deploy-failed", strings.NewReader(`{"service":"x"}`))
	req.Header.Set("x-source", "ci")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Event deploy-failed triggered", resp.Message)
	assert.NotEmpty(t, resp.Timestamp)

	hist := b.History("deploy-failed", 1)
	require.Len(t, hist, 1)
	assert.Equal(t, "ci", hist[0].Source)
	assert.Equal(t, "x", hist[0].Payload.(map[string]any)["service"])
}

func TestWebhookEmptyBodyAndDefaultSource(t *testing.T) {
	t.Parallel()
	b := newBus(0)
	h := NewWebhook(b, logx.Nop(), 0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	hist := b.History("ping", 1)
	require.Len(t, hist, 1)
	assert.Equal(t, "webhook", hist[0].Source)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	t.Parallel()
	b := newBus(0)
	h := NewWebhook(b, logx.Nop(), 16)

	for _, tc := range []struct {
		body string
		code int
	}{
		{`{not json`, http.StatusBadRequest},
		{`{"a":"` + strings.Repeat("x", 64) + `"}`, http.StatusRequestEntityTooLarge},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/x", strings.NewReader(tc.body)))
		assert.Equal(t, tc.code, rec.Code, tc.body)
	}
	assert.Empty(t, b.History("x", 10))
}

func TestWebhookTestEndpoint(t *testing.T) {
	t.Parallel()
	h := NewWebhook(newBus(0), logx.Nop(), 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Webhook system operational")
}
