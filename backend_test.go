package pollster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBackend_CreateAndStatus(t *testing.T) {
	var gotMetadata map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /job", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotMetadata))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job_id":"abc 123"}`))
	})
	mux.HandleFunc("GET /status/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc 123", r.PathValue("id"))
		_, _ = w.Write([]byte(`{"result":"error","message":"Translation failed"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", nil)
	h, err := b.CreateJob(context.Background(), map[string]any{"lang": "fr"})
	require.NoError(t, err)
	assert.Equal(t, JobHandle("abc 123"), h)
	assert.Equal(t, map[string]any{"lang": "fr"}, gotMetadata)

	status, err := b.GetStatus(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Result: StatusError, Message: "Translation failed"}, status)
}

func TestHTTPBackend_Non2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, srv.Client())

	_, err := b.CreateJob(context.Background(), nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "create", terr.Op)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)

	_, err = b.GetStatus(context.Background(), "x")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "status", terr.Op)
}

func TestHTTPBackend_MalformedBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, nil)
	var terr *TransportError

	_, err := b.CreateJob(context.Background(), nil)
	assert.ErrorAs(t, err, &terr, "a response without job_id is a failure")

	_, err = b.GetStatus(context.Background(), "x")
	assert.ErrorAs(t, err, &terr)
}

func TestHTTPBackend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBackend(url, nil).GetStatus(context.Background(), "x")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, terr.StatusCode)
}
