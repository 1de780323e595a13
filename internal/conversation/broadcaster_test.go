// ABOUTME: Tests for the conversation broadcast group fan-out
// ABOUTME: Covers subscribe, publish, exclusion, unsubscribe, and concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(sender, convID string) *Event {
	return &Event{
		Type:           EventMessage,
		ConversationID: convID,
		Sender:         sender,
		Content:        "hello from " + sender,
		CreatedAt:      time.Now(),
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	ch, _ := b.Subscribe(ctx, "conv-1")

	b.Publish("conv-1", makeEvent("alice", "conv-1"), "")

	select {
	case received := <-ch:
		assert.Equal(t, "alice", received.Sender)
		assert.Equal(t, EventMessage, received.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_BothParticipantsReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	b.Publish("conv-1", makeEvent("alice", "conv-1"), "")

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, "alice", received.Sender, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-2")

	b.Publish("conv-1", makeEvent("alice", "conv-1"), "")

	select {
	case received := <-ch1:
		assert.Equal(t, "conv-1", received.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive events for conv-1")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestBroadcaster_ExcludeSubIDSkipsOriginator(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	ch1, subID1 := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	b.Publish("conv-1", makeEvent("alice", "conv-1"), subID1)

	select {
	case <-ch1:
		t.Fatal("excluded subscriber should not receive the event")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}

	select {
	case received := <-ch2:
		assert.Equal(t, "alice", received.Sender)
	case <-time.After(time.Second):
		t.Fatal("non-excluded subscriber timed out")
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	// Subscribe but never read from ch1 (slow consumer)
	_, _ = b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	// Publish more events than the buffer size to overflow ch1
	for i := 0; i < 100; i++ {
		b.Publish("conv-1", makeEvent("alice", "conv-1"), "")
	}

	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	assert.Greater(t, receivedCount, 0, "fast consumer should receive at least some events")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "conv-1")

	b.mu.RLock()
	_, exists := b.subscribers["conv-1"][subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()

	// Give cleanup goroutine time to run
	time.Sleep(50 * time.Millisecond)

	b.mu.RLock()
	subs, convExists := b.subscribers["conv-1"]
	if convExists {
		_, subExists := subs[subID]
		assert.False(t, subExists, "subscription should be removed after context cancel")
	}
	b.mu.RUnlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	ch, subID := b.Subscribe(ctx, "conv-1")

	b.Unsubscribe("conv-1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	b.Publish("conv-1", makeEvent("alice", "conv-1"), "")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, _ := b.Subscribe(ctx, "conv-busy")
			for i := 0; i < 5; i++ {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				b.Publish("conv-busy", makeEvent("alice", "conv-busy"), "")
			}
		}()
	}

	wg.Wait()
	// If we get here without deadlock or panic, the test passes
}

func TestBroadcaster_PublishDuringUnsubscribeChurn(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// A member leaving mid-broadcast must be skipped, never crash the
	// publisher with a send on its closed channel.
	done := make(chan struct{})
	publisherStopped := make(chan struct{})
	go func() {
		defer close(publisherStopped)
		for {
			select {
			case <-done:
				return
			default:
				b.Publish("conv-churn", makeEvent("alice", "conv-churn"), "")
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				ch, subID := b.Subscribe(ctx, "conv-churn")
				select {
				case <-ch:
				default:
				}
				b.Unsubscribe("conv-churn", subID)
				cancel()
			}
		}()
	}

	churned := make(chan struct{})
	go func() {
		wg.Wait()
		close(churned)
	}()

	select {
	case <-churned:
	case <-time.After(10 * time.Second):
		t.Fatal("churn did not finish")
	}
	close(done)
	<-publisherStopped
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()

	_, id1 := b.Subscribe(ctx, "conv-1")
	_, id2 := b.Subscribe(ctx, "conv-1")
	_, id3 := b.Subscribe(ctx, "conv-2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestBroadcaster_PublishToNonexistentConversation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Should not panic
	b.Publish("nobody-listening", makeEvent("alice", "nobody-listening"), "")
}
