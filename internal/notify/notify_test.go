package notify_test

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

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newOutbox(t *testing.T) notify.Outbox {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return notify.Outbox{DB: conn, Now: func() time.Time { return now }}
}

func enqueue(t *testing.T, o notify.Outbox, notes ...domain.Notification) {
	t.Helper()
	tx, err := o.DB.Begin()
	require.NoError(t, err)
	for _, n := range notes {
		require.NoError(t, o.Enqueue(context.Background(), tx, n))
	}
	require.NoError(t, tx.Commit())
}

type recorder struct {
	mu   sync.Mutex
	got  []domain.Notification
	fail error
}

func (r *recorder) Publish(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, n)
	return nil
}

func TestOutboxRolledBackWithTransaction(t *testing.T) {
	o := newOutbox(t)
	tx, err := o.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, o.Enqueue(context.Background(), tx, domain.Notification{UserID: "u", ComplaintID: "c", Kind: domain.NotifyAssigned}))
	require.NoError(t, tx.Rollback())

	pending, err := o.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueueSkipsMissingRecipient(t *testing.T) {
	o := newOutbox(t)
	enqueue(t, o, domain.Notification{ComplaintID: "c", Kind: domain.NotifyReopened})
	pending, err := o.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayDrainsInOrder(t *testing.T) {
	o := newOutbox(t)
	enqueue(t, o,
		domain.Notification{UserID: "cit-1", ComplaintID: "c-1", Kind: domain.NotifyRegistered},
		domain.Notification{UserID: "crew-1", ComplaintID: "c-1", Kind: domain.NotifyAssigned},
	)
	pub := &recorder{}
	relay := notify.Relay{Outbox: o, Publisher: pub}

	sent, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, pub.got, 2)
	assert.Equal(t, domain.NotifyRegistered, pub.got[0].Kind)
	assert.Equal(t, "crew-1", pub.got[1].UserID)

	sent, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestRelayKeepsFailedNotifications(t *testing.T) {
	o := newOutbox(t)
	enqueue(t, o, domain.Notification{UserID: "cit-1", ComplaintID: "c-1", Kind: domain.NotifyResolved})
	pub := &recorder{fail: errors.New("down")}
	relay := notify.Relay{Outbox: o, Publisher: pub}

	_, err := relay.Drain(context.Background())
	require.Error(t, err)

	pub.fail = nil
	sent, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, notify.DefaultChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := notify.RedisPublisher{Client: client}
	require.NoError(t, pub.Publish(ctx, domain.Notification{ID: 7, UserID: "cit-1", ComplaintID: "c-1", Kind: domain.NotifyResolved, CreatedAt: now}))

	select {
	case msg := <-sub.Channel():
		var body notify.Message
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &body))
		assert.Equal(t, int64(7), body.ID)
		assert.Equal(t, "complaint.resolved", body.Kind)
		assert.Equal(t, "cit-1", body.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestWebhookPublisher(t *testing.T) {
	var gotSecret, gotEvent string
	var body notify.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Civicflow-Secret")
		gotEvent = r.Header.Get("X-Civicflow-Event")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := notify.WebhookPublisher{URL: srv.URL, Secret: "s3"}
	require.NoError(t, pub.Publish(context.Background(), domain.Notification{ID: 1, UserID: "u", ComplaintID: "c", Kind: domain.NotifyClosed, CreatedAt: now}))
	assert.Equal(t, "s3", gotSecret)
	assert.Equal(t, "complaint.closed", gotEvent)
	assert.Equal(t, "c", body.ComplaintID)
}

func TestWebhookPublisherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.WebhookPublisher{URL: srv.URL}.Publish(context.Background(), domain.Notification{ID: 1, UserID: "u", ComplaintID: "c", Kind: domain.NotifyClosed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("boom")}
	err := notify.Fanout{ok, bad}.Publish(context.Background(), domain.Notification{UserID: "u", ComplaintID: "c", Kind: domain.NotifyAssigned})
	require.Error(t, err)
	assert.Len(t, ok.got, 1)
}
