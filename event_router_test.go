package beacon

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconhq/go-client-sdk/api"
)

type countingHandler struct {
	calls atomic.Int32
}

func (h *countingHandler) HandleEvent(api.Envelope) {
	h.calls.Add(1)
}

func envelope(eventType api.EventType) api.Envelope {
	return api.Envelope{EventType: eventType, Timestamp: time.Now()}
}

func TestEventRouter_DispatchByType(t *testing.T) {
	r := NewEventRouter()
	progress := &countingHandler{}
	alerts := &countingHandler{}
	r.Subscribe(api.EventType_Progress, progress)
	r.Subscribe(api.EventType_AlertRaised, alerts)

	r.Dispatch(envelope(api.EventType_Progress))
	r.Dispatch(envelope(api.EventType_Progress))
	r.Dispatch(envelope(api.EventType_Notification))

	require.Equal(t, int32(2), progress.calls.Load())
	require.Equal(t, int32(0), alerts.calls.Load())
}

func TestEventRouter_SameHandlerRegisteredOnce(t *testing.T) {
	r := NewEventRouter()
	h := &countingHandler{}

	unsubscribe := r.Subscribe(api.EventType_Progress, h)
	r.Subscribe(api.EventType_Progress, h)
	require.Equal(t, 1, r.HandlerCount(api.EventType_Progress))

	r.Dispatch(envelope(api.EventType_Progress))
	require.Equal(t, int32(1), h.calls.Load())

	unsubscribe()
	require.Equal(t, 0, r.HandlerCount(api.EventType_Progress))
}

func TestEventRouter_UnsubscribeIsIdempotent(t *testing.T) {
	r := NewEventRouter()
	var first, second atomic.Int32
	unsubscribeFirst := r.SubscribeFunc(api.EventType_StatusChanged, func(api.Envelope) { first.Add(1) })
	r.SubscribeFunc(api.EventType_StatusChanged, func(api.Envelope) { second.Add(1) })
	require.Equal(t, 2, r.HandlerCount(api.EventType_StatusChanged))

	unsubscribeFirst()
	unsubscribeFirst()
	require.Equal(t, 1, r.HandlerCount(api.EventType_StatusChanged))

	r.Dispatch(envelope(api.EventType_StatusChanged))
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestEventRouter_LastUnsubscribeRemovesType(t *testing.T) {
	r := NewEventRouter()
	unsubscribe := r.SubscribeFunc(api.EventType_AlertResolved, func(api.Envelope) {})
	require.Equal(t, 1, r.EventTypeCount())

	unsubscribe()
	require.Equal(t, 0, r.EventTypeCount())
	_, ok := r.subscriptions[api.EventType_AlertResolved]
	require.False(t, ok)
}

func TestEventRouter_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	r := NewEventRouter()
	h := &countingHandler{}
	r.SubscribeFunc(api.EventType_Notification, func(api.Envelope) { panic("boom") })
	r.Subscribe(api.EventType_Notification, h)

	require.NotPanics(t, func() {
		r.Dispatch(envelope(api.EventType_Notification))
	})
	require.Equal(t, int32(1), h.calls.Load())
}

func TestEventRouter_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	r := NewEventRouter()
	var calls atomic.Int32
	var unsubscribe func()
	unsubscribe = r.SubscribeFunc(api.EventType_Progress, func(api.Envelope) {
		calls.Add(1)
		unsubscribe()
	})

	r.Dispatch(envelope(api.EventType_Progress))
	r.Dispatch(envelope(api.EventType_Progress))
	require.Equal(t, int32(1), calls.Load())
}
