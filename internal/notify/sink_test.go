package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
)

func TestHTTPSink_PostsProviderPayload(t *testing.T) {
	req := require.New(t)
	var got fcmRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, AuthToken: "secret"})
	err := sink.Send(context.Background(), Push{Token: "tok", Title: "Team", Body: "alice: hi", Data: map[string]string{"group_id": "g1"}})

	req.NoError(err)
	req.Equal("Bearer secret", auth)
	req.Equal("tok", got.Message.Token)
	req.Equal("Team", got.Message.Notification.Title)
	req.Equal("alice: hi", got.Message.Notification.Body)
	req.Equal("g1", got.Message.Data["group_id"])
	req.Equal("high", got.Message.Android.Priority)
}

func TestHTTPSink_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL})
	err := sink.Send(context.Background(), Push{Token: "bad"})
	require.ErrorIs(t, err, ErrPushRejected)
}

func TestHTTPSink_BreakerOpensOnServerErrors(t *testing.T) {
	req := require.New(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, FailureThreshold: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		req.ErrorIs(sink.Send(context.Background(), Push{Token: "tok"}), ErrPushRejected)
	}

	// The breaker is open now; the provider is not called again.
	err := sink.Send(context.Background(), Push{Token: "tok"})
	req.True(errors.Is(err, gobreaker.ErrOpenState))
	req.EqualValues(2, calls.Load())
}

func TestHTTPSink_ClientErrorsDoNotTrip(t *testing.T) {
	req := require.New(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		req.ErrorIs(sink.Send(context.Background(), Push{Token: "stale"}), ErrPushRejected)
	}
	req.EqualValues(3, calls.Load())
}

func TestNewSink_FallsBackToLog(t *testing.T) {
	require.IsType(t, LogSink{}, NewSink(HTTPSinkConfig{}))
	require.IsType(t, &HTTPSink{}, NewSink(HTTPSinkConfig{ProjectID: "proj"}))
}

func TestNewHTTPSink_DefaultEndpoint(t *testing.T) {
	sink := NewHTTPSink(HTTPSinkConfig{ProjectID: "proj"})
	require.Equal(t, "https://fcm.googleapis.com/v1/projects/proj/messages:send", sink.endpoint)
}
