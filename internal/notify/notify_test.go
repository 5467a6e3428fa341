package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	name  string
	err   error
	block bool
	got   []*Notification
	ch    chan *Notification
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, ch: make(chan *Notification, 16)}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(ctx context.Context, n *Notification) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.ch <- n
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDispatcherFansOut(t *testing.T) {
	a := newRecordingSink("a")
	b := newRecordingSink("b")
	b.err = errors.New("boom")
	d := NewDispatcher(a, b)

	data := map[string]string{"escrowId": "esc_1"}
	d.Notify(context.Background(), "usr_1", "escrow_funded", "Escrow funded", "Funds are held", data)
	data["escrowId"] = "mutated"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	n := a.got[0]
	assert.Equal(t, "usr_1", n.UserID)
	assert.Equal(t, "escrow_funded", n.Kind)
	assert.Equal(t, "esc_1", n.Data["escrowId"])
	assert.Contains(t, n.ID, "ntf_")
	assert.Same(t, a.got[0], b.got[0])
}

func TestDispatcherDoesNotBlockOnSlowSink(t *testing.T) {
	slow := newRecordingSink("slow")
	slow.block = true
	fast := newRecordingSink("fast")
	d := NewDispatcher(slow, fast).WithTimeout(50 * time.Millisecond)

	start := time.Now()
	d.Notify(context.Background(), "usr_1", "escrow_created", "t", "b", nil)
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	select {
	case <-fast.ch:
	case <-time.After(time.Second):
		t.Fatal("fast sink never received the notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatcherIgnoresCancelledRequest(t *testing.T) {
	sink := newRecordingSink("s")
	d := NewDispatcher(sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, "usr_1", "escrow_released", "t", "b", nil)

	waitCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, d.Wait(waitCtx))
	assert.Equal(t, 1, sink.count())
}

func TestDispatcherSkipsAnonymous(t *testing.T) {
	sink := newRecordingSink("s")
	d := NewDispatcher(sink)
	d.Notify(context.Background(), "", "escrow_released", "t", "b", nil)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 0, sink.count())

	var nilDispatcher *Dispatcher
	nilDispatcher.Notify(context.Background(), "usr_1", "k", "t", "b", nil)
}

func TestMemoryInbox(t *testing.T) {
	inbox := NewMemoryInbox(2)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, inbox.Deliver(ctx, &Notification{ID: id, UserID: "usr_1"}))
	}
	require.NoError(t, inbox.Deliver(ctx, &Notification{ID: "other", UserID: "usr_2"}))

	got, err := inbox.Recent(ctx, "usr_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n3", got[0].ID)
	assert.Equal(t, "n2", got[1].ID)

	got, err = inbox.Recent(ctx, "usr_1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = inbox.Recent(ctx, "usr_none", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWebhookSinkSigns(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotKind string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotKind = r.Header.Get(HeaderKind)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret")
	n := &Notification{ID: "ntf_1", UserID: "usr_1", Kind: "escrow_disputed", CreatedAt: time.Now()}
	require.NoError(t, sink.Deliver(context.Background(), n))

	assert.Equal(t, "escrow_disputed", gotKind)
	assert.Equal(t, Sign(gotBody, "s3cret"), gotSig)
	var decoded Notification
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "ntf_1", decoded.ID)
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "").Deliver(context.Background(), &Notification{ID: "ntf_1"})
	assert.ErrorContains(t, err, "status 500")
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisSinkKeepsCappedInbox(t *testing.T) {
	mr, client := newRedis(t)
	sink := NewRedisSink(client, 2)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, sink.Deliver(ctx, &Notification{ID: id, UserID: "usr_1", Kind: "escrow_funded"}))
	}

	stored, err := mr.List(inboxKey("usr_1"))
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	got, err := sink.Recent(ctx, "usr_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n3", got[0].ID)
	assert.Equal(t, "n2", got[1].ID)

	got, err = sink.Recent(ctx, "usr_1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRelayForwardsPublishedNotifications(t *testing.T) {
	mr, client := newRedis(t)
	target := newRecordingSink("hub")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, client, target) }()

	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, NewRedisSink(client, 10).Deliver(context.Background(),
		&Notification{ID: "ntf_9", UserID: "usr_7", Kind: "escrow_released"}))

	select {
	case n := <-target.ch:
		assert.Equal(t, "ntf_9", n.ID)
		assert.Equal(t, "usr_7", n.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not forward the notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
