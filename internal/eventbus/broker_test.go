package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishFansOutToGlobalAndPerCallInOrder(t *testing.T) {
	b := NewBroker()
	global := b.SubscribeGlobal()
	call := b.SubscribeCall("c1")
	other := b.SubscribeCall("c2")

	b.Publish(Event{CallID: "c1", Type: "a"})
	b.Publish(Event{CallID: "c1", Type: "b"})

	for _, want := range []string{"a", "b"} {
		select {
		case ev := <-global:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for global event")
		}
		select {
		case ev := <-call:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for per-call event")
		}
	}

	select {
	case <-other:
		t.Fatal("unrelated call's subscriber should not receive c1's events")
	default:
	}
}

func TestBroker_PublishNeverBlocksOnAFullSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.SubscribeGlobal()
	for i := 0; i < subscriberBufferSize+10; i++ {
		done := make(chan struct{})
		go func() {
			b.Publish(Event{CallID: "c", Type: "x"})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a full subscriber channel")
		}
	}
	require.NotNil(t, ch)
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch := b.SubscribeGlobal()
	b.UnsubscribeGlobal(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublisher_EmitWithNilSinksDoesNotPanic(t *testing.T) {
	p := NewPublisher(nil, nil)
	assert.NotPanics(t, func() { p.Emit("c1", "policy.x", map[string]any{"a": 1}) })
}

func TestPublisher_EmitPublishesToBus(t *testing.T) {
	bus := NewBroker()
	ch := bus.SubscribeCall("c1")
	p := NewPublisher(nil, bus)
	p.Emit("c1", "pipeline.client_request", map[string]any{"n": 1})

	select {
	case ev := <-ch:
		assert.Equal(t, "pipeline.client_request", ev.Type)
		assert.JSONEq(t, `{"n":1}`, string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected event on bus")
	}
}
