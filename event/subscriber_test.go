package event

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures alarms handed over by the worker pool. When release
// is set, handling blocks until the channel closes so tests can saturate the
// queue; entered signals each time a worker enters the sink.
type recordingSink struct {
	mu      sync.Mutex
	msgs    []export.AlarmMessage
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *recordingSink) HandleAlarmEvent(ctx context.Context, msg export.AlarmMessage) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *recordingSink) points() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.PointName
	}
	return out
}

func (s *recordingSink) snapshot() []export.AlarmMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]export.AlarmMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

type scheduleRecorder struct {
	mu       sync.Mutex
	reloads  int
	executed []int
	stopped  []int
}

func (r *scheduleRecorder) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
	return nil
}

func (r *scheduleRecorder) ExecuteNow(ctx context.Context, scheduleID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, scheduleID)
	return nil
}

func (r *scheduleRecorder) StopSchedule(scheduleID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, scheduleID)
	return nil
}

func (r *scheduleRecorder) reloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

func (r *scheduleRecorder) executedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.executed...)
}

func (r *scheduleRecorder) stoppedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.stopped...)
}

type systemRecorder struct {
	mu        sync.Mutex
	reloads   int
	shutdowns []string
}

func (r *systemRecorder) ReloadConfig(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
	return nil
}

func (r *systemRecorder) Shutdown(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns = append(r.shutdowns, reason)
}

func (r *systemRecorder) reloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

func (r *systemRecorder) shutdownReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shutdowns...)
}

// assignmentSet satisfies AssignmentView from a fixed point set.
type assignmentSet map[string]struct{}

func (a assignmentSet) IsAssignedPoint(name string) bool {
	_, ok := a[name]
	return ok
}

func alarmJSON(building int, point string, value float64) []byte {
	return []byte(fmt.Sprintf(
		`{"bd":%d,"nm":%q,"vl":%v,"tm":"2025-01-15 14:30:00.000","al":1,"st":2}`,
		building, point, value))
}

func newTestSubscriber(t *testing.T, cfg Config, deps Deps) (*Subscriber, *testutil.MockBus) {
	t.Helper()

	bus := testutil.NewMockBus()
	deps.Bus = bus
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}

	sub, err := NewSubscriber(cfg, deps)
	require.NoError(t, err, "subscriber construction should succeed")
	require.NoError(t, sub.Start(context.Background()), "subscriber should start")
	t.Cleanup(func() { _ = sub.Stop(time.Second) })
	return sub, bus
}

func TestSubscriberRequiresCoreDeps(t *testing.T) {
	bus := testutil.NewMockBus()

	_, err := NewSubscriber(Config{}, Deps{Alarms: &recordingSink{}, Logger: quietLogger()})
	require.Error(t, err, "missing bus must be rejected")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewSubscriber(Config{}, Deps{Bus: bus, Logger: quietLogger()})
	require.Error(t, err, "missing alarm sink must be rejected")

	_, err = NewSubscriber(Config{Selective: true},
		Deps{Bus: bus, Alarms: &recordingSink{}, Logger: quietLogger()})
	require.Error(t, err, "selective mode without an assignment view must be rejected")
}

func TestSubscriberDeliversAlarmsToSink(t *testing.T) {
	sink := &recordingSink{}
	sub, bus := newTestSubscriber(t, Config{}, Deps{Alarms: sink})

	require.NoError(t, bus.Publish(context.Background(), "alarms.all",
		alarmJSON(1001, "AHU1_TEMP", 25.5)))

	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 10*time.Millisecond, "published alarm should reach the sink")

	msgs := sink.snapshot()
	assert.Equal(t, 1001, msgs[0].BuildingID)
	assert.Equal(t, "AHU1_TEMP", msgs[0].PointName)
	assert.InDelta(t, 25.5, msgs[0].Value, 1e-9)

	require.Eventually(t, func() bool { return sub.Stats().Processed == 1 },
		time.Second, 10*time.Millisecond, "processed counter should follow delivery")
	assert.Equal(t, int64(1), sub.Stats().Received)
}

func TestSubscriberWildcardChannelReceivesAllFeeds(t *testing.T) {
	sink := &recordingSink{}
	_, bus := newTestSubscriber(t, Config{Channels: []string{"alarms:*"}}, Deps{Alarms: sink})

	require.NoError(t, bus.Publish(context.Background(), "alarms.all", alarmJSON(1, "P1", 1)))
	require.NoError(t, bus.Publish(context.Background(), "alarms.critical", alarmJSON(1, "P2", 2)))

	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 10*time.Millisecond, "wildcard channel should receive every alarm feed")
}

func TestSubscriberRejectsInvalidAlarms(t *testing.T) {
	sink := &recordingSink{}
	sub, bus := newTestSubscriber(t, Config{}, Deps{Alarms: sink})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "alarms.all", []byte("not json")))
	require.NoError(t, bus.Publish(ctx, "alarms.all", []byte(`{"bd":1001,"vl":1}`)))
	require.NoError(t, bus.Publish(ctx, "alarms.all", []byte(`{"bd":0,"nm":"GHOST","vl":1}`)))

	stats := sub.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Invalid, "garbage, missing point and bad building are all invalid")
	assert.Equal(t, int64(0), stats.Processed)
	assert.Equal(t, 0, sink.count(), "invalid messages must not reach the sink")
}

func TestSubscriberSelectiveModeFiltersUnassignedPoints(t *testing.T) {
	sink := &recordingSink{}
	assigned := assignmentSet{"AHU1_TEMP": {}}
	sub, bus := newTestSubscriber(t, Config{Selective: true},
		Deps{Alarms: sink, Assigned: assigned})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "alarms.all", alarmJSON(1001, "AHU1_TEMP", 21)))
	require.NoError(t, bus.Publish(ctx, "alarms.all", alarmJSON(1001, "CHILLER_KW", 80)))

	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 10*time.Millisecond, "assigned point should pass the filter")
	assert.Equal(t, []string{"AHU1_TEMP"}, sink.points())

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.Filtered, "unassigned point is filtered, not dropped")
	assert.Equal(t, int64(0), stats.Invalid)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestSubscriberDropsWhenPoolSaturated(t *testing.T) {
	sink := &recordingSink{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	sub, bus := newTestSubscriber(t, Config{Workers: 1, QueueSize: 1}, Deps{Alarms: sink})

	ctx := context.Background()

	// First alarm occupies the only worker.
	require.NoError(t, bus.Publish(ctx, "alarms.all", alarmJSON(1, "P1", 1)))
	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first alarm")
	}

	// Second fills the queue, third has nowhere to go.
	require.NoError(t, bus.Publish(ctx, "alarms.all", alarmJSON(1, "P2", 2)))
	require.NoError(t, bus.Publish(ctx, "alarms.all", alarmJSON(1, "P3", 3)))

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.Dropped, "third alarm should drop when the queue is full")
	assert.Equal(t, int64(1), stats.Pool.Dropped)

	close(sink.release)
	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 10*time.Millisecond, "queued alarms should complete after release")
}

func TestSubscriberDispatchFailureCountsAsPoolFailure(t *testing.T) {
	sink := &recordingSink{err: fmt.Errorf("downstream offline")}
	sub, bus := newTestSubscriber(t, Config{}, Deps{Alarms: sink})

	require.NoError(t, bus.Publish(context.Background(), "alarms.all", alarmJSON(1, "P1", 1)))

	require.Eventually(t, func() bool { return sub.Stats().Pool.Failed == 1 },
		time.Second, 10*time.Millisecond, "sink error should surface as a pool failure")
	assert.Equal(t, int64(0), sub.Stats().Processed,
		"failed dispatch does not count as processed")
	assert.Equal(t, 1, sink.count())
}

func TestSubscriberRoutesScheduleCommands(t *testing.T) {
	sched := &scheduleRecorder{}
	sub, bus := newTestSubscriber(t, Config{},
		Deps{Alarms: &recordingSink{}, Schedules: sched})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "schedule.reload", nil))
	require.NoError(t, bus.Publish(ctx, "schedule.execute.42", nil))
	require.NoError(t, bus.Publish(ctx, "schedule.stop.7", nil))
	require.NoError(t, bus.Publish(ctx, "schedule.execute.soon", nil))
	require.NoError(t, bus.Publish(ctx, "schedule.pause", nil))

	assert.Equal(t, 1, sched.reloadCount())
	assert.Equal(t, []int{42}, sched.executedIDs())
	assert.Equal(t, []int{7}, sched.stoppedIDs())
	assert.Equal(t, int64(2), sub.Stats().Invalid,
		"malformed id and unknown verb both count as invalid")
}

func TestSubscriberRoutesSystemCommands(t *testing.T) {
	sys := &systemRecorder{}
	sub, bus := newTestSubscriber(t, Config{},
		Deps{Alarms: &recordingSink{}, System: sys})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "system.reload_config", nil))
	require.NoError(t, bus.Publish(ctx, "system.shutdown", nil))
	require.NoError(t, bus.Publish(ctx, "system.selfdestruct", nil))

	assert.Equal(t, 1, sys.reloadCount())
	assert.Equal(t, []string{"bus command"}, sys.shutdownReasons())
	assert.Equal(t, int64(1), sub.Stats().Invalid)
}

func TestSubscriberControlChannelsNeedHandlers(t *testing.T) {
	sink := &recordingSink{}
	sub, bus := newTestSubscriber(t, Config{}, Deps{Alarms: sink})

	assert.Equal(t, 1, bus.SubscriptionCount(),
		"without schedule and system handlers only the alarm channel is subscribed")

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "schedule.reload", nil))
	require.NoError(t, bus.Publish(ctx, "system.shutdown", nil))
	assert.Equal(t, int64(0), sub.Stats().Received,
		"control subjects without handlers never reach the subscriber")
}

func TestSubscriberQueueGroupSharesAlarmLoad(t *testing.T) {
	bus := testutil.NewMockBus()

	var sinks [2]*recordingSink
	var sched [2]*scheduleRecorder
	for i := 0; i < 2; i++ {
		sinks[i] = &recordingSink{}
		sched[i] = &scheduleRecorder{}
		sub, err := NewSubscriber(
			Config{QueueGroup: "gateways"},
			Deps{Bus: bus, Alarms: sinks[i], Schedules: sched[i], Logger: quietLogger()})
		require.NoError(t, err)
		require.NoError(t, sub.Start(context.Background()))
		t.Cleanup(func() { _ = sub.Stop(time.Second) })
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(ctx, "alarms.all",
			alarmJSON(1, fmt.Sprintf("P%d", i), 1)))
	}

	require.Eventually(t, func() bool { return sinks[0].count()+sinks[1].count() == 4 },
		time.Second, 10*time.Millisecond, "every alarm should reach exactly one group member")
	assert.Equal(t, 2, sinks[0].count(), "queue group should balance the stream")
	assert.Equal(t, 2, sinks[1].count(), "queue group should balance the stream")

	require.NoError(t, bus.Publish(ctx, "schedule.reload", nil))
	assert.Equal(t, 1, sched[0].reloadCount(), "control channels stay per-instance")
	assert.Equal(t, 1, sched[1].reloadCount(), "control channels stay per-instance")
}

func TestSubscriberLifecycle(t *testing.T) {
	sink := &recordingSink{}
	bus := testutil.NewMockBus()
	sub, err := NewSubscriber(Config{}, Deps{Bus: bus, Alarms: sink, Logger: quietLogger()})
	require.NoError(t, err)

	assert.False(t, sub.Healthy(), "not healthy before start")

	require.NoError(t, sub.Start(context.Background()))
	assert.ErrorIs(t, sub.Start(context.Background()), errors.ErrAlreadyStarted)
	assert.True(t, sub.Healthy())

	bus.SetHealthy(false)
	assert.False(t, sub.Healthy(), "unhealthy bus makes the subscriber unhealthy")
	bus.SetHealthy(true)

	require.NoError(t, sub.Stop(time.Second))
	require.NoError(t, sub.Stop(time.Second), "stop is idempotent")
	assert.False(t, sub.Healthy())

	require.NoError(t, bus.Publish(context.Background(), "alarms.all", alarmJSON(1, "LATE", 1)))
	assert.Equal(t, int64(0), sub.Stats().Received, "messages after stop are ignored")
	assert.Equal(t, 0, sink.count())

	assert.ErrorIs(t, sub.Start(context.Background()), errors.ErrAlreadyStopped)
}
