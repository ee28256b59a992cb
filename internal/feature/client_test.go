package feature

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Forward(t *testing.T) {
	var got Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/updates", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	out, err := c.Forward(context.Background(), Update{
		UserID: 1, ExternalID: 10, Kind: "text", Payload: json.RawMessage(`{"text":"кейс"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"ok"}`, string(out))
	assert.Equal(t, int64(10), got.ExternalID)
	assert.JSONEq(t, `{"text":"кейс"}`, string(got.Payload))
}

func TestClient_Forward_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Forward(context.Background(), Update{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestClient_Forward_NotConfigured(t *testing.T) {
	out, err := NewClient("", time.Second).Forward(context.Background(), Update{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
