package directmessage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/directmessage"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/store"
	"github.com/ringforge/hub/internal/util/testutil"
)

func newTestService(t *testing.T) (*directmessage.Service, *presence.Roster, *pubsub.Bus) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `INSERT INTO tenants (id, name) VALUES ('T1', 'Acme')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO fleets (id, tenant_id, name) VALUES ('F1', 'T1', 'Main')`)
	require.NoError(t, err)

	roster := presence.New()
	bus := pubsub.NewBus()
	log := eventlog.New(db)
	notify := notification.New(kv.NewMemory(), bus)
	svc := directmessage.New(kv.NewMemory(), roster, bus, log, notify)
	return svc, roster, bus
}

func TestSend_NotInThisFleet(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	from := model.AgentRef{AgentID: "ag_a", Name: "A"}
	_, err := svc.Send(ctx, "F1", "F2", "F1", from, "ag_b", map[string]any{"text": "hi"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, rferr.ErrNotInThisFleet)
}

func TestSend_SelfSendIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	from := model.AgentRef{AgentID: "ag_a", Name: "A"}
	res, err := svc.Send(ctx, "F1", "F1", "F1", from, "ag_a", map[string]any{"text": "hi"}, "")
	require.NoError(t, err)
	assert.Empty(t, res.MessageID)
}

func TestSend_DeliversWhenOnline(t *testing.T) {
	ctx := context.Background()
	svc, roster, bus := newTestService(t)
	roster.Join("F1", "ag_b")

	sub := bus.Subscribe(notification.AgentTopic("F1", "ag_b"))
	defer sub.Unsubscribe()

	from := model.AgentRef{AgentID: "ag_a", Name: "A"}
	res, err := svc.Send(ctx, "F1", "F1", "F1", from, "ag_b", map[string]any{"text": "hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, directmessage.StatusDelivered, res.Status)
	require.NotEmpty(t, res.MessageID)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "direct_message", msg.Event)
	default:
		t.Fatal("expected a direct_message publish")
	}
}

func TestSend_QueuesWhenOffline_ThenDeliverQueuedFlushesInOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTestService(t)

	from := model.AgentRef{AgentID: "ag_a", Name: "A"}
	for i := 0; i < 3; i++ {
		res, err := svc.Send(ctx, "F1", "F1", "F1", from, "ag_b", map[string]any{"seq": i}, "")
		require.NoError(t, err)
		assert.Equal(t, directmessage.StatusQueued, res.Status)
	}

	sub := bus.Subscribe(notification.AgentTopic("F1", "ag_b"))
	defer sub.Unsubscribe()

	delivered, err := svc.DeliverQueued(ctx, "F1", "ag_b")
	require.NoError(t, err)
	assert.Len(t, delivered, 3)

	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.C():
			assert.Equal(t, "direct_message", msg.Event)
		default:
			t.Fatal("expected queued message to be published on flush")
		}
	}

	again, err := svc.DeliverQueued(ctx, "F1", "ag_b")
	require.NoError(t, err)
	assert.Empty(t, again, "queue should be drained after ack")
}

func TestSend_AppendsToHistoryAsynchronously(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	from := model.AgentRef{AgentID: "ag_a", Name: "A"}
	_, err := svc.Send(ctx, "F1", "F1", "F1", from, "ag_b", map[string]any{"text": "hi"}, "")
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		hist, err := svc.History(ctx, "F1", "ag_a", "ag_b", 10)
		return err == nil && len(hist) == 1
	})
}
