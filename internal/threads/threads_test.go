package threads_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/threads"
)

func newTestThreads() *threads.Threads {
	m := kv.NewMemory()
	return threads.New(m, m, pubsub.NewBus())
}

func TestCreateThread_AddsCreatorAsParticipant(t *testing.T) {
	ctx := context.Background()
	svc := newTestThreads()

	th, err := svc.CreateThread(ctx, threads.CreateAttrs{
		FleetID:   "F1",
		TenantID:  "T1",
		Scope:     threads.ScopeSquad,
		Subject:   "launch planning",
		CreatedBy: "ag_a",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ThreadID)
	assert.Equal(t, threads.StatusOpen, th.Status)
	assert.True(t, th.ParticipantIDs["ag_a"])
}

func TestAddMessage_IncrementsMessageCountMonotonically(t *testing.T) {
	ctx := context.Background()
	svc := newTestThreads()

	th, err := svc.CreateThread(ctx, threads.CreateAttrs{
		FleetID: "F1", TenantID: "T1", Scope: threads.ScopeSquad, CreatedBy: "ag_a",
	})
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		_, err := svc.AddMessage(ctx, th.ThreadID, "ag_b", "hello", nil, nil)
		require.NoError(t, err)
	}

	got, ok, err := svc.GetThread(ctx, th.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n, got.MessageCount)
	assert.True(t, got.ParticipantIDs["ag_b"], "sender should be auto-added as participant")
	assert.NotEmpty(t, got.LastMessageAt)
}

func TestAddMessage_PublishesOnThreadTopic(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	bus := pubsub.NewBus()
	svc := threads.New(m, m, bus)

	th, err := svc.CreateThread(ctx, threads.CreateAttrs{FleetID: "F1", TenantID: "T1", CreatedBy: "ag_a"})
	require.NoError(t, err)

	sub := bus.Subscribe(threads.Topic(th.ThreadID))
	defer sub.Unsubscribe()

	_, err = svc.AddMessage(ctx, th.ThreadID, "ag_a", "hi", nil, nil)
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "thread_message", msg.Event)
	default:
		t.Fatal("expected a thread_message publish")
	}
}

func TestThreadMessages_OrderingLimitAndBefore(t *testing.T) {
	ctx := context.Background()
	svc := newTestThreads()

	th, err := svc.CreateThread(ctx, threads.CreateAttrs{FleetID: "F1", TenantID: "T1", CreatedBy: "ag_a"})
	require.NoError(t, err)

	var sent []string
	for i := 0; i < 5; i++ {
		msg, err := svc.AddMessage(ctx, th.ThreadID, "ag_a", "msg", nil, nil)
		require.NoError(t, err)
		sent = append(sent, msg.Timestamp)
	}

	all, err := svc.ThreadMessages(ctx, th.ThreadID, threads.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Timestamp, all[i].Timestamp)
	}

	limited, err := svc.ThreadMessages(ctx, th.ThreadID, threads.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, all[3].MessageID, limited[0].MessageID)
	assert.Equal(t, all[4].MessageID, limited[1].MessageID)

	before, err := svc.ThreadMessages(ctx, th.ThreadID, threads.ListOptions{Before: sent[3]})
	require.NoError(t, err)
	assert.Len(t, before, 3)
}

func TestCloseThread(t *testing.T) {
	ctx := context.Background()
	svc := newTestThreads()

	th, err := svc.CreateThread(ctx, threads.CreateAttrs{FleetID: "F1", TenantID: "T1", CreatedBy: "ag_a"})
	require.NoError(t, err)

	require.NoError(t, svc.CloseThread(ctx, th.ThreadID, "ag_a", "resolved"))

	got, ok, err := svc.GetThread(ctx, th.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, threads.StatusClosed, got.Status)
	assert.Equal(t, "ag_a", got.ClosedBy)
	assert.Equal(t, "resolved", got.CloseReason)
}

func TestCloseByTask_ClosesOnlyMatchingOpenThreads(t *testing.T) {
	ctx := context.Background()
	svc := newTestThreads()

	taskThread, err := svc.CreateThread(ctx, threads.CreateAttrs{
		FleetID: "F1", TenantID: "T1", Scope: threads.ScopeTask, TaskID: "task_abc", CreatedBy: "ag_a",
	})
	require.NoError(t, err)

	other, err := svc.CreateThread(ctx, threads.CreateAttrs{FleetID: "F1", TenantID: "T1", CreatedBy: "ag_b"})
	require.NoError(t, err)

	require.NoError(t, svc.CloseByTask(ctx, "task_abc", "system", "task completed"))

	got, ok, err := svc.GetThread(ctx, taskThread.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, threads.StatusClosed, got.Status)
	assert.Equal(t, "task completed", got.CloseReason)

	unaffected, ok, err := svc.GetThread(ctx, other.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, threads.StatusOpen, unaffected.Status)
}
