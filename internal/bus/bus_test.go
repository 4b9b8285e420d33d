package bus

import (
	"errors"
	"testing"
)

func TestPublishInboundOrder(t *testing.T) {
	b := New()

	var calls []string
	b.OnInbound(func(msg InboundMessage) error {
		calls = append(calls, "first:"+msg.Content)
		return nil
	})
	b.OnInbound(func(msg InboundMessage) error {
		calls = append(calls, "second:"+msg.Content)
		return nil
	})

	b.PublishInbound(InboundMessage{Content: "hi"})

	if len(calls) != 2 || calls[0] != "first:hi" || calls[1] != "second:hi" {
		t.Errorf("handlers ran out of order: %v", calls)
	}
}

func TestPublishInboundSurvivesFailure(t *testing.T) {
	b := New()

	ran := false
	b.OnInbound(func(InboundMessage) error { return errors.New("boom") })
	b.OnInbound(func(InboundMessage) error { panic("worse") })
	b.OnInbound(func(InboundMessage) error { ran = true; return nil })

	b.PublishInbound(InboundMessage{Content: "x"})

	if !ran {
		t.Error("handler after failing/panicking handlers did not run")
	}
}

func TestPublishOutboundSwallowsErrors(t *testing.T) {
	b := New()

	var got []string
	b.OnOutbound(func(OutboundMessage) error { return errors.New("transport down") })
	b.OnOutbound(func(msg OutboundMessage) error {
		got = append(got, msg.Content)
		return nil
	})

	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "out"})

	if len(got) != 1 || got[0] != "out" {
		t.Errorf("second handler should still receive message, got %v", got)
	}
}
