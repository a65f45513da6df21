package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliverySignsBody(t *testing.T) {
	var received int32
	secret := []byte("shh")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.True(t, Verify(secret, body, r.Header.Get(SignatureHeader)))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New([]Subscription{{URL: srv.URL, Secret: secret}}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Event{Type: EventIdentityCreated, IdentityID: "id-1"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 10*time.Millisecond)
}

func TestEnqueueFiltersByEventType(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New([]Subscription{{
		URL:    srv.URL,
		Secret: []byte("shh"),
		Events: map[EventType]bool{EventPasswordChanged: true},
	}}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Event{Type: EventIdentityCreated, IdentityID: "id-1"})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&received))
}

func TestEventMarshalsTimestamp(t *testing.T) {
	e := Event{Type: EventIdentityCreated, IdentityID: "id-1", Timestamp: time.Unix(0, 0)}
	body, err := json.Marshal(e)
	require.NoError(t, err)
	require.Contains(t, string(body), "timestamp")
}

func TestEnqueueStampsEventIDAndTimestamp(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New([]Subscription{{URL: srv.URL, Secret: []byte("shh")}}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Event{Type: EventIdentityCreated, IdentityID: "id-1"})

	require.Eventually(t, func() bool { return gotBody != nil }, time.Second, 10*time.Millisecond)

	var got Event
	require.NoError(t, json.Unmarshal(gotBody, &got))
	require.NotEmpty(t, got.EventID)
	require.False(t, got.Timestamp.IsZero())
}
