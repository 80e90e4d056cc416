package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_Dispatch(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 2)
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { got <- m })
	b.SubscribeOutbound("other", func(m OutboundMessage) { t.Errorf("wrong subscriber got %+v", m) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"}
	b.Outbound <- OutboundMessage{Channel: "nobody", ChatID: "1", Content: "dropped"}

	select {
	case m := <-got:
		if m.Content != "hi" {
			t.Errorf("content = %q", m.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMessageBus_StopsOnCancel(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchOutbound did not return")
	}
}
