package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNotifyPostsEmbed(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, newTestLogger())
	n.Notify("BUY ADA-USDT", "qty 100 @ 1.05")

	require.NotEmpty(t, body)
	var payload struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, "BUY ADA-USDT", payload.Embeds[0].Title)
	assert.Equal(t, "qty 100 @ 1.05", payload.Embeds[0].Description)
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	n := NewWebhookNotifier("", newTestLogger())
	// No URL, no panic, no delivery attempt
	n.Notify("title", "message")
	assert.False(t, n.enabled)
}

func TestNotifySwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, newTestLogger())
	// Must not panic or propagate
	n.Notify("title", "message")
}
