package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webaudit/sitescan/internal/scan"
)

func TestBrokerDeliversToJobSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(nil)
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	other, cancelOther := b.Subscribe("job-2")
	defer cancelOther()

	b.Publish(Event{Type: TypeProgress, JobID: "job-1", Status: scan.StatusDiscovering})

	select {
	case evt := <-ch:
		require.Equal(t, "job-1", evt.JobID)
		require.Equal(t, scan.StatusDiscovering, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("expected event for job-1")
	}

	select {
	case evt := <-other:
		t.Fatalf("unexpected event on job-2 subscription: %+v", evt)
	default:
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBroker(nil)
	_, cancel := b.Subscribe("job-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubBuffer*4; i++ {
			b.Publish(Event{Type: TypeProgress, JobID: "job-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBrokerCancelClosesChannelAndUnsubscribes(t *testing.T) {
	t.Parallel()

	b := NewBroker(nil)
	ch, cancel := b.Subscribe("job-1")
	require.Equal(t, 1, b.SubscriberCount("job-1"))

	cancel()
	cancel() // idempotent

	_, open := <-ch
	require.False(t, open)
	require.Equal(t, 0, b.SubscriberCount("job-1"))

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: TypeProgress, JobID: "job-1"})
}

func TestBrokerMultipleSubscribersSameJob(t *testing.T) {
	t.Parallel()

	b := NewBroker(nil)
	ch1, cancel1 := b.Subscribe("job-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("job-1")
	defer cancel2()

	b.Publish(Event{Type: TypeComplete, JobID: "job-1", Status: scan.StatusCompleted})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, TypeComplete, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber")
		}
	}
}
