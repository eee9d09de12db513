package queue

import (
	"testing"

	"github.com/ringcore/callcore/internal/model"
)

func TestEnqueueDispatchesImmediatelyWhenIdle(t *testing.T) {
	var sent []MessageType
	q := New(nil, nil, false)
	callId := model.NewCallId()

	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageOffer,
		Send: func() SendResult {
			sent = append(sent, MessageOffer)
			return Sent
		},
	})

	if len(sent) != 1 {
		t.Fatalf("expected immediate dispatch, got %d sends", len(sent))
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after dispatch, got %d", q.Len())
	}
}

func TestSecondItemWaitsForInFlightToClear(t *testing.T) {
	var sent []MessageType
	q := New(nil, nil, false)
	callId := model.NewCallId()

	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageOffer,
		Send: func() SendResult {
			sent = append(sent, MessageOffer)
			return Sent
		},
	})
	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageIce,
		Send: func() SendResult {
			sent = append(sent, MessageIce)
			return Sent
		},
	})

	if len(sent) != 1 {
		t.Fatalf("second item should not dispatch while first is in flight, got sends=%v", sent)
	}

	q.OnSent(callId)
	if len(sent) != 2 {
		t.Fatalf("expected second item dispatched after OnSent, got sends=%v", sent)
	}
}

func TestNotSentDoesNotBlockNextItem(t *testing.T) {
	var sent []MessageType
	q := New(nil, nil, false)
	callId := model.NewCallId()

	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageOffer,
		Send: func() SendResult {
			sent = append(sent, MessageOffer)
			return NotSent
		},
	})
	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageIce,
		Send: func() SendResult {
			sent = append(sent, MessageIce)
			return Sent
		},
	})

	if len(sent) != 2 {
		t.Fatalf("NotSent should allow immediate dispatch of next item, got sends=%v", sent)
	}
}

func TestOnSendFailureSwallowsIceWhenConnected(t *testing.T) {
	callId := model.NewCallId()
	var failed bool
	q := New(
		func(id model.CallId) (model.ConnectionState, bool) { return model.ConnConnectedAndAccepted, true },
		func(id model.CallId, reason model.EndReason) { failed = true },
		false,
	)

	q.Enqueue(Item{CallId: callId, MessageType: MessageIce, Send: func() SendResult { return Sent }})
	q.OnSendFailure(callId)

	if failed {
		t.Fatalf("expected Ice failure to be swallowed while connected")
	}
}

func TestOnSendFailureTerminatesNonIceFailure(t *testing.T) {
	callId := model.NewCallId()
	var reason model.EndReason = -1
	q := New(
		func(id model.CallId) (model.ConnectionState, bool) { return model.ConnConnectedAndAccepted, true },
		func(id model.CallId, r model.EndReason) { reason = r },
		false,
	)

	q.Enqueue(Item{CallId: callId, MessageType: MessageOffer, Send: func() SendResult { return Sent }})
	q.OnSendFailure(callId)

	if reason != model.EndedSignalingFailure {
		t.Fatalf("expected EndedSignalingFailure, got %v", reason)
	}
}

func TestOnSendFailureTerminatesIceWhenNotConnected(t *testing.T) {
	callId := model.NewCallId()
	var reason model.EndReason = -1
	q := New(
		func(id model.CallId) (model.ConnectionState, bool) { return model.ConnStarting, true },
		func(id model.CallId, r model.EndReason) { reason = r },
		false,
	)

	q.Enqueue(Item{CallId: callId, MessageType: MessageIce, Send: func() SendResult { return Sent }})
	q.OnSendFailure(callId)

	if reason != model.EndedSignalingFailure {
		t.Fatalf("expected Ice failure while not connected to terminate the call, got %v", reason)
	}
}

func TestTrimKeepsBusyAndHangup(t *testing.T) {
	q := New(nil, nil, false)
	callId := model.NewCallId()
	other := model.NewCallId()

	// First item dispatches immediately and stays in flight (blocking
	// further drains), so the rest remain queued for Trim to inspect.
	q.Enqueue(Item{CallId: callId, MessageType: MessageOffer, Send: func() SendResult { return Sent }})
	q.Enqueue(Item{CallId: callId, MessageType: MessageIce})
	q.Enqueue(Item{CallId: callId, MessageType: MessageBusy})
	q.Enqueue(Item{CallId: callId, MessageType: MessageHangup})
	q.Enqueue(Item{CallId: other, MessageType: MessageIce})

	q.Trim(callId)

	if q.Len() != 3 {
		t.Fatalf("expected Busy, Hangup, and the other call's item to survive trim, got %d", q.Len())
	}
}

func TestAssumeMessagesSentClearsInFlightSynchronously(t *testing.T) {
	var sent []MessageType
	q := New(nil, nil, true)
	callId := model.NewCallId()

	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageOffer,
		Send: func() SendResult {
			sent = append(sent, MessageOffer)
			return Sent
		},
	})
	q.Enqueue(Item{
		CallId:      callId,
		MessageType: MessageIce,
		Send: func() SendResult {
			sent = append(sent, MessageIce)
			return Sent
		},
	})

	if len(sent) != 2 {
		t.Fatalf("assume_messages_sent should dispatch both items without waiting for OnSent, got sends=%v", sent)
	}
}
