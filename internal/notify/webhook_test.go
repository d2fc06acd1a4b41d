package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookChannelPostsEvent(t *testing.T) {
	var got Event
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second})
	res, err := ch.Deliver(context.Background(), testEvent(2), "item-1:2")
	require.NoError(t, err)
	assert.Equal(t, "202", res.Reference)
	assert.Equal(t, "item-1:2", headers.Get("X-Dueline-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Dueline-Secret"))
	assert.Equal(t, "escalation", headers.Get("X-Dueline-Event"))
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, "manager", got.Owner)
}

func TestWebhookChannelClassifiesStatus(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL})

	status.Store(http.StatusBadRequest)
	_, err := ch.Deliver(context.Background(), testEvent(1), "k")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	status.Store(http.StatusServiceUnavailable)
	_, err = ch.Deliver(context.Background(), testEvent(1), "k")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	status.Store(http.StatusTooManyRequests)
	_, err = ch.Deliver(context.Background(), testEvent(1), "k")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestWebhookChannelOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL})

	for i := 0; i < 5; i++ {
		_, err := ch.Deliver(context.Background(), testEvent(1), "k")
		require.Error(t, err)
	}
	_, err := ch.Deliver(context.Background(), testEvent(1), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(5), hits.Load())
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := context.DeadlineExceeded
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "abc:2", EscalationKey("abc", 2))
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "abc:3:repeat:1700000000", RepeatKey("abc", 3, at))
}
