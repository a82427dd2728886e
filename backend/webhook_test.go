package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookBackend_JSONBody(t *testing.T) {
	var gotMethod, gotType, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"abc"}`)
	}))
	defer srv.Close()

	b := NewWebhookBackend(srv.Client())
	res, err := b.Execute(newStepContext("hook"), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer t"},
		"body":    map[string]any{"summary": "done"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.Equal(t, "done", gotBody["summary"])
	assert.JSONEq(t, `{"id":"abc"}`, res.Output)
}

func TestWebhookBackend_TextBodyAndMethod(t *testing.T) {
	var gotMethod, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
	}))
	defer srv.Close()

	b := NewWebhookBackend(srv.Client())
	_, err := b.Execute(newStepContext("hook"), map[string]any{
		"url":    srv.URL,
		"method": "put",
		"body":   "plain words",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Contains(t, gotType, "text/plain")
	assert.Equal(t, "plain words", gotBody)
}

func TestWebhookBackend_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewWebhookBackend(srv.Client())
	_, err := b.Execute(newStepContext("hook"), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
