// Package pubsub_test runs the queue against the pstest fake server.
package pubsub_test

import (
	"context"
	"testing"
	"time"

	gcps "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/webaudit/sitescan/internal/queue/pubsub"
	"github.com/webaudit/sitescan/internal/scan"
)

func newFakeQueue(t *testing.T) *pubsub.Queue {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := gcps.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "scan-tasks")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "scan-workers", gcps.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	q := pubsub.NewWithClient(client, pubsub.Config{
		ProjectID:    "test-project",
		TopicID:      "scan-tasks",
		Subscription: "scan-workers",
	}, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := newFakeQueue(t)
	q.Start(ctx)

	task := scan.Task{ID: "t1", JobID: "job-1", Stage: scan.StageDiscovery, Attempt: 1}
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, scan.StageDiscovery, got.Stage)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, 1, got.Attempt, "delivery count must survive the round trip")
}

func TestCancelSkipsTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := newFakeQueue(t)
	q.Start(ctx)

	require.NoError(t, q.Cancel(ctx, "t1"))
	require.NoError(t, q.Enqueue(ctx, scan.Task{ID: "t1", JobID: "job-1", Stage: scan.StageScraping}))
	require.NoError(t, q.Enqueue(ctx, scan.Task{ID: "t2", JobID: "job-2", Stage: scan.StageScraping}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t2", got.ID, "cancelled task should be skipped")
}
