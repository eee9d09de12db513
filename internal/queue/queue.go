// Package queue implements the signaling message queue spec.md §4.1
// describes: a per-Call-Manager FIFO that serializes outgoing signaling so
// the application layer is never asked to send more than one message at a
// time, while preserving per-call ordering.
//
// Grounded on internal/mq/manager.go's ack-gated Send: register a
// completion channel before dispatch, clear it on ack/failure, and dispatch
// the next pending item. This package generalizes that single-send gate
// into "at most one SignalingMessageItem in flight across the whole queue",
// with the retain/drop rules spec.md §4.1 names for trim.
package queue

import (
	"fmt"
	"log"
	"sync"

	"github.com/ringcore/callcore/internal/model"
)

// MessageType is the kind of signaling payload a SignalingMessageItem
// carries.
type MessageType int

const (
	MessageOffer MessageType = iota
	MessageAnswer
	MessageIce
	MessageHangup
	MessageBusy
)

func (t MessageType) String() string {
	switch t {
	case MessageOffer:
		return "Offer"
	case MessageAnswer:
		return "Answer"
	case MessageIce:
		return "Ice"
	case MessageHangup:
		return "Hangup"
	case MessageBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// SendResult is what a SignalingMessageItem's closure returns.
type SendResult int

const (
	Sent SendResult = iota
	NotSent
)

// Item is a SignalingMessageItem (spec.md §3): a deferred closure that
// dispatches one signaling message when invoked.
type Item struct {
	CallId      model.CallId
	MessageType MessageType
	// Send performs the actual dispatch and reports whether it went out.
	// It must not block for long; the queue invokes it synchronously on
	// whatever goroutine called drainLocked.
	Send func() SendResult
}

// CallStateLookup lets the queue ask the call's current state without
// importing internal/connection (which itself depends on this package) —
// the same inversion goop2's mq.Manager achieves via its topicSubs callback
// registration instead of a direct import cycle.
type CallStateLookup func(callId model.CallId) (state model.ConnectionState, found bool)

// FailureHandler is invoked when on_send_failure decides the associated
// call must be torn down (the failed type was not a swallowed Ice failure).
type FailureHandler func(callId model.CallId, reason model.EndReason)

// Queue is the signaling message queue described in spec.md §4.1.
type Queue struct {
	mu sync.Mutex

	items   []Item
	inFlight bool

	lastSentMessageType map[model.CallId]MessageType

	lookupState     CallStateLookup
	onSignalingFail FailureHandler

	// assumeMessagesSent mirrors the platform flag spec.md §4.1 names: when
	// set, the in-flight bit is cleared synchronously after each dispatch
	// instead of waiting for an explicit on_sent/on_send_failure call.
	assumeMessagesSent bool
}

// New creates an empty Queue. lookupState and onFail may be nil only in
// tests that never trigger a signaling failure.
func New(lookupState CallStateLookup, onFail FailureHandler, assumeMessagesSent bool) *Queue {
	return &Queue{
		lastSentMessageType: make(map[model.CallId]MessageType),
		lookupState:         lookupState,
		onSignalingFail:     onFail,
		assumeMessagesSent:  assumeMessagesSent,
	}
}

// Enqueue appends item and, if nothing is currently in flight, dispatches
// it immediately (spec.md §4.1: "append; if no item is in flight, invoke
// next").
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if !q.inFlight {
		q.drainLocked()
	}
}

// OnSent clears the in-flight slot and dispatches the next queued item.
func (q *Queue) OnSent(callId model.CallId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	q.drainLocked()
}

// OnSendFailure clears the in-flight slot, and either swallows the failure
// (Ice failures while the call is Connected*/Reconnecting) or terminates
// the call with EndedSignalingFailure, per spec.md §4.1. Draining continues
// either way.
func (q *Queue) OnSendFailure(callId model.CallId) {
	q.mu.Lock()
	lastType, ok := q.lastSentMessageType[callId]
	q.inFlight = false
	q.mu.Unlock()

	if ok && lastType == MessageIce && q.callIsConnectedOrReconnecting(callId) {
		log.Printf("queue: swallowing Ice send failure for call %s (connected/reconnecting)", callId)
	} else {
		log.Printf("queue: signaling failure for call %s (last type %s), terminating", callId, lastType)
		if q.onSignalingFail != nil {
			q.onSignalingFail(callId, model.EndedSignalingFailure)
		}
	}

	q.mu.Lock()
	q.drainLocked()
	q.mu.Unlock()
}

func (q *Queue) callIsConnectedOrReconnecting(callId model.CallId) bool {
	if q.lookupState == nil {
		return false
	}
	state, found := q.lookupState(callId)
	return found && state.IsConnectedOrReconnecting()
}

// Trim removes all queued items for callId except Busy and Hangup (spec.md
// §4.1: Busy may belong to an unrelated concluding call sharing the id
// space transiently; Hangup is kept as a belt-and-suspenders backup so a
// peer still gets a hangup even if earlier signaling was dropped).
func (q *Queue) Trim(callId model.CallId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.CallId == callId && it.MessageType != MessageBusy && it.MessageType != MessageHangup {
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

// Len reports the number of queued (not-yet-dispatched) items, for tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainLocked dispatches the next queued item, if any and if nothing is
// already in flight. Must be called with q.mu held. The item's Send closure
// runs synchronously on the caller's goroutine, matching mq.Manager.Send's
// own synchronous dispatch-then-wait-for-ack shape; callers that need
// async dispatch do so inside their own Send closure.
func (q *Queue) drainLocked() {
	for {
		if q.inFlight || len(q.items) == 0 {
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.lastSentMessageType[item.CallId] = item.MessageType

		if !q.assumeMessagesSent {
			q.inFlight = true
		}

		result := safeSend(item)

		if q.assumeMessagesSent {
			// Cleared synchronously regardless of result; loop to try the
			// next item immediately.
			q.inFlight = false
			continue
		}

		if result == NotSent {
			// NotSent does not mark the slot in-flight; retry draining
			// immediately (spec.md §4.1).
			q.inFlight = false
			continue
		}
		// Sent: stays in flight until the caller invokes OnSent/OnSendFailure
		// once the transport layer confirms delivery or failure.
		return
	}
}

// safeSend invokes item.Send, recovering from a panicking closure so one
// broken signaling item can't wedge the whole queue.
func safeSend(item Item) (result SendResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: signaling item for call %s (%s) panicked: %v", item.CallId, item.MessageType, r)
			result = NotSent
		}
	}()
	if item.Send == nil {
		return NotSent
	}
	return item.Send()
}

// String implements fmt.Stringer for *Queue, for debug logging.
func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("Queue{items=%d, inFlight=%v}", len(q.items), q.inFlight)
}
