package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashkit/internal/model"
)

func TestSpeedEstimatorNoEstimateBeforeFirstWindow(t *testing.T) {
	e := NewSpeedEstimator()
	start := time.Now()
	got := e.Observe(start, 1024)
	require.Equal(t, float64(0), got)
}

func TestSpeedEstimatorComputesInstantaneousAfterWindow(t *testing.T) {
	e := NewSpeedEstimator()
	start := time.Now()
	e.Observe(start, 0)
	got := e.Observe(start.Add(emaWindow), 204800) // 1MiB/s over 200ms window roughly
	require.InDelta(t, 204800.0/emaWindow.Seconds(), got, 1.0)
}

func TestSpeedEstimatorSmoothsSubsequentSamples(t *testing.T) {
	e := NewSpeedEstimator()
	start := time.Now()
	e.Observe(start, 0)
	first := e.Observe(start.Add(emaWindow), 100000)

	second := e.Observe(start.Add(2*emaWindow), 200000)
	wantInstant := 200000.0 / emaWindow.Seconds()
	wantSmoothed := emaAlpha*wantInstant + (1-emaAlpha)*first
	require.InDelta(t, wantSmoothed, second, 1.0)
}

func TestBusCoalescesProgressEvents(t *testing.T) {
	b := New()
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	sub := b.Subscribe(8)

	b.Publish(Event{Kind: EventProgress, Progress: &ProgressEvent{SessionID: "s1", PartitionName: "boot", BytesDone: 1}})
	fakeNow = fakeNow.Add(1 * time.Millisecond)
	b.Publish(Event{Kind: EventProgress, Progress: &ProgressEvent{SessionID: "s1", PartitionName: "boot", BytesDone: 2}})
	fakeNow = fakeNow.Add(CoalesceInterval + time.Millisecond)
	b.Publish(Event{Kind: EventProgress, Progress: &ProgressEvent{SessionID: "s1", PartitionName: "boot", BytesDone: 3}})

	// Publish already returned for all three calls above, so everything
	// delivered is buffered in sub.
	var got []Event
	for len(sub) > 0 {
		got = append(got, <-sub)
	}
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Progress.BytesDone)
	require.Equal(t, int64(3), got[1].Progress.BytesDone)
}

func TestBusNeverCoalescesLogEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)

	b.PublishLog("s1", LogInfo, "first")
	b.PublishLog("s1", LogInfo, "second")

	var got []Event
	for len(sub) > 0 {
		got = append(got, <-sub)
	}
	require.Len(t, got, 2)
}

func TestBusPublishStateChanged(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	b.PublishStateChanged("s1", model.StateConnecting, model.StateReady)

	ev := <-sub
	require.Equal(t, EventStateChanged, ev.Kind)
	require.Equal(t, model.StateConnecting, ev.State.From)
	require.Equal(t, model.StateReady, ev.State.To)
}

func TestBusDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	b.PublishLog("s1", LogInfo, "one")
	b.PublishLog("s1", LogInfo, "two") // dropped: buffer already full

	var got []Event
	for len(sub) > 0 {
		got = append(got, <-sub)
	}
	require.Len(t, got, 1)
	require.Equal(t, "one", got[0].Log.Message)
}
