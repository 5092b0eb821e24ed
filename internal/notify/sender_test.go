package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/cseweave/internal/types"
)

func TestSenderPostsJSON(t *testing.T) {
	var gotContentType, gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType.Store(r.Header.Get("Content-Type"))
		gotQuery.Store(r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(time.Second, 1, zaptest.NewLogger(t))
	err := s.Post(context.Background(), srv.URL+"?ct=json", types.JSON{"m2m:sgn": types.JSON{"sur": "x"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType.Load())
	assert.Empty(t, gotQuery.Load(), "the ct query never reaches the wire")
}

func TestSenderRejectsUnsupportedSerialization(t *testing.T) {
	s := NewSender(time.Second, 1, zaptest.NewLogger(t))
	err := s.Post(context.Background(), "http://example.invalid/notify?ct=cbor", types.JSON{}, "")
	require.Error(t, err)
	assert.Equal(t, types.RSCNotAcceptable, types.RSCOf(err))
}

func TestSenderRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(time.Second, 3, zaptest.NewLogger(t))
	err := s.Post(context.Background(), srv.URL, types.JSON{}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSender(time.Second, 3, zaptest.NewLogger(t))
	err := s.Post(context.Background(), srv.URL, types.JSON{}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTargetNotReachable))
	assert.EqualValues(t, 1, hits.Load(), "a 4xx answer is final")
}

func TestSenderBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSender(time.Second, 1, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		_ = s.Post(context.Background(), srv.URL, types.JSON{}, "")
	}
	before := hits.Load()

	// The breaker now short-circuits without touching the target.
	err := s.Post(context.Background(), srv.URL, types.JSON{}, "")
	require.Error(t, err)
	assert.Equal(t, before, hits.Load())
}

func TestSenderEventCategoryHeader(t *testing.T) {
	var gotEC atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEC.Store(r.Header.Get("X-M2M-EC"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(time.Second, 1, zaptest.NewLogger(t))
	require.NoError(t, s.Post(context.Background(), srv.URL, types.JSON{}, "4"))
	assert.Equal(t, "4", gotEC.Load())
}
