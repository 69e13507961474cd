package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rconbridge-go/internal/events"
	"rconbridge-go/internal/rcon"
)

var testCommands = Commands{Players: "players", Tick: "tick", Evolution: "evo"}

type fakeExecutor struct {
	mu        sync.Mutex
	connected bool
	replies   map[string][]reply
	calls     []string
}

type reply struct {
	out string
	err error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{connected: true, replies: map[string][]reply{}}
}

// queue appends replies for command; the last one repeats once the queue drains.
func (f *fakeExecutor) queue(command string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[command] = append(f.replies[command], replies...)
}

func (f *fakeExecutor) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeExecutor) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeExecutor) Execute(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if !f.connected {
		return "", rcon.ErrNotConnected
	}
	q := f.replies[command]
	if len(q) == 0 {
		return "", fmt.Errorf("no reply for %q", command)
	}
	r := q[0]
	if len(q) > 1 {
		f.replies[command] = q[1:]
	}
	return r.out, r.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingObserver struct {
	mu        sync.Mutex
	snapshots []Snapshot
	failures  []string
}

func (o *recordingObserver) ObserveSnapshot(_ string, s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots = append(o.snapshots, s)
}

func (o *recordingObserver) ObservePollFailure(_, metric string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, metric)
}

func newTestEngine(exec Executor, opts Options) (*Engine, *fakeClock) {
	opts.Commands = testCommands
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := NewEngine("prod", exec, opts)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e.now = clock.now
	return e, clock
}

func TestEngine_FullSnapshot(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (1):\n  alice (online)"})
	exec.queue("tick", reply{out: "0"}, reply{out: "600"})
	exec.queue("evo", reply{out: "0.25"})

	e, clock := newTestEngine(exec, Options{Alpha: 0.5})

	first, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Connected)
	require.NotNil(t, first.PlayerCount)
	assert.Equal(t, 1, *first.PlayerCount)
	assert.Equal(t, []string{"alice"}, first.Players)
	assert.Nil(t, first.UPSInstant, "first tick only sets the baseline")
	assert.Nil(t, first.UPSSMA)
	require.NotNil(t, first.EvolutionFactor)
	assert.InDelta(t, 0.25, *first.EvolutionFactor, 1e-9)

	clock.advance(10 * time.Second)
	second, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second.UPSInstant)
	assert.InDelta(t, 60, *second.UPSInstant, 1e-9)
	require.NotNil(t, second.UPSSMA)
	require.NotNil(t, second.UPSEMA)
	assert.InDelta(t, 60, *second.UPSSMA, 1e-9)
	assert.Equal(t, clock.t, second.SampledAt)
	assert.True(t, second.HasData())
}

func TestEngine_WindowAverages(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (0):"})
	exec.queue("evo", reply{out: "0.1"})
	// One second apart: UPS 50, 52, 48, 60.
	exec.queue("tick",
		reply{out: "0"}, reply{out: "50"}, reply{out: "102"}, reply{out: "150"}, reply{out: "210"})

	e, clock := newTestEngine(exec, Options{Alpha: 0.5, WindowSize: 60})

	wantEMA := []float64{50, 51, 49.5, 54.75}
	_, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	var snap Snapshot
	for i := range wantEMA {
		clock.advance(time.Second)
		snap, err = e.GatherAll(context.Background())
		require.NoError(t, err)
		require.NotNil(t, snap.UPSEMA)
		assert.InDelta(t, wantEMA[i], *snap.UPSEMA, 1e-9, "ema after sample %d", i+1)
	}
	require.NotNil(t, snap.UPSSMA)
	assert.InDelta(t, 52.5, *snap.UPSSMA, 1e-9)
	assert.InDelta(t, 60, *snap.UPSInstant, 1e-9)
	assert.Equal(t, []float64{50, 52, 48, 60}, e.History())
}

func TestEngine_PlayerAndEvolutionWindows(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (2):"}, reply{out: "Online players (4):"})
	exec.queue("tick", reply{out: "0"}, reply{out: "60"})
	exec.queue("evo", reply{out: "0.1"}, reply{out: "0.3"})

	e, clock := newTestEngine(exec, Options{Alpha: 0.5})

	first, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.PlayersSMA)
	assert.InDelta(t, 2, *first.PlayersSMA, 1e-9)

	clock.advance(time.Second)
	snap, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.PlayersSMA)
	require.NotNil(t, snap.PlayersEMA)
	assert.InDelta(t, 3, *snap.PlayersSMA, 1e-9)
	assert.InDelta(t, 3, *snap.PlayersEMA, 1e-9)
	require.NotNil(t, snap.EvolutionSMA)
	require.NotNil(t, snap.EvolutionEMA)
	assert.InDelta(t, 0.2, *snap.EvolutionSMA, 1e-9)
	assert.InDelta(t, 0.2, *snap.EvolutionEMA, 1e-9)

	assert.Equal(t, []float64{2, 4}, e.Series(MetricPlayers))
	assert.InDeltaSlice(t, []float64{0.1, 0.3}, e.Series(MetricEvolution), 1e-9)
	assert.Equal(t, e.History(), e.Series(MetricUPS))
	assert.Nil(t, e.Series("unknown"))

	e.Reset()
	assert.Empty(t, e.Series(MetricPlayers))
	assert.Empty(t, e.Series(MetricEvolution))
}

// blockingExecutor holds every command until released.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func (b *blockingExecutor) IsConnected() bool { return true }

func (b *blockingExecutor) Execute(ctx context.Context, command string) (string, error) {
	b.started <- command
	select {
	case <-b.release:
		return "", rcon.ErrRequestTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestEngine_ReadersDoNotWaitOnPoll(t *testing.T) {
	exec := &blockingExecutor{started: make(chan string, 3), release: make(chan struct{})}
	e, _ := newTestEngine(exec, Options{})

	polled := make(chan Snapshot, 1)
	go func() {
		snap, _ := e.GatherAll(context.Background())
		polled <- snap
	}()

	select {
	case cmd := <-exec.started:
		assert.Equal(t, "players", cmd)
	case <-time.After(time.Second):
		t.Fatal("poll never issued a command")
	}

	read := make(chan struct{})
	go func() {
		defer close(read)
		_ = e.Latest()
		_ = e.History()
		_ = e.Series(MetricPlayers)
	}()
	select {
	case <-read:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("readers blocked behind an in-progress poll")
	}

	close(exec.release)
	select {
	case snap := <-polled:
		assert.True(t, snap.Connected)
		assert.False(t, snap.HasData(), "every command timed out")
	case <-time.After(time.Second):
		t.Fatal("poll did not finish after release")
	}
}

func TestEngine_NotConnectedDegrades(t *testing.T) {
	exec := newFakeExecutor()
	exec.setConnected(false)
	obs := &recordingObserver{}
	e, _ := newTestEngine(exec, Options{Observer: obs})

	snap, err := e.GatherAll(context.Background())
	require.NoError(t, err, "a down server is not an error")
	assert.False(t, snap.Connected)
	assert.False(t, snap.HasData())
	assert.Equal(t, "prod", snap.ServerTag)
	assert.Equal(t, 0, exec.callCount(), "no commands while disconnected")
	assert.Empty(t, obs.failures, "disconnection is not a poll failure")
	require.Len(t, obs.snapshots, 1)
	assert.False(t, obs.snapshots[0].Connected)
}

func TestEngine_ConnectionLostMidPoll(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (0):"})
	exec.queue("tick", reply{err: fmt.Errorf("read: %w", rcon.ErrConnectionClosed)})
	exec.queue("evo", reply{out: "0.5"})

	e, _ := newTestEngine(exec, Options{})
	snap, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Connected)
	assert.Nil(t, snap.PlayerCount, "partial results are discarded once the link is gone")
	assert.Equal(t, []string{"players", "tick"}, exec.calls)
}

func TestEngine_PartialSnapshotOnParseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := events.NewBus()
	defer bus.Close()
	failures := bus.Subscribe(events.MetricsPollFailed)

	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Unknown command"})
	exec.queue("tick", reply{out: "100"})
	exec.queue("evo", reply{err: rcon.ErrRequestTimeout})

	obs := &recordingObserver{}
	e, _ := newTestEngine(exec, Options{Logger: zap.New(core), EventBus: bus, Observer: obs})

	snap, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Connected)
	assert.Nil(t, snap.PlayerCount)
	assert.Nil(t, snap.EvolutionFactor)
	assert.Equal(t, []string{MetricPlayers, MetricEvolution}, obs.failures)

	entries := logs.FilterField(zap.String("event", "metrics_poll_failed")).All()
	require.Len(t, entries, 2)
	assert.Equal(t, "prod", entries[0].ContextMap()["server"])
	assert.Equal(t, MetricPlayers, entries[0].ContextMap()["metric"])

	for i := 0; i < 2; i++ {
		select {
		case ev := <-failures:
			assert.Equal(t, "prod", ev.ServerName)
		case <-time.After(time.Second):
			t.Fatal("missing metrics_poll_failed event")
		}
	}
}

func TestEngine_TickBaselineResets(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (0):"})
	exec.queue("evo", reply{out: "0.1"})
	exec.queue("tick", reply{out: "1000"}, reply{out: "1600"}, reply{out: "50"}, reply{out: "650"})

	e, clock := newTestEngine(exec, Options{})

	_, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	clock.advance(10 * time.Second)
	snap, _ := e.GatherAll(context.Background())
	require.NotNil(t, snap.UPSInstant)

	// Server restarted: the counter went backwards.
	clock.advance(10 * time.Second)
	snap, _ = e.GatherAll(context.Background())
	assert.Nil(t, snap.UPSInstant)
	require.NotNil(t, snap.UPSSMA, "history survives a restart")
	assert.InDelta(t, 60, *snap.UPSSMA, 1e-9)

	clock.advance(10 * time.Second)
	snap, _ = e.GatherAll(context.Background())
	require.NotNil(t, snap.UPSInstant)
	assert.InDelta(t, 60, *snap.UPSInstant, 1e-9)
	assert.Len(t, e.History(), 2)
}

func TestEngine_DisconnectResetsTickBaseline(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (0):"})
	exec.queue("evo", reply{out: "0.1"})
	exec.queue("tick", reply{out: "0"}, reply{out: "6000"})

	e, clock := newTestEngine(exec, Options{})
	_, err := e.GatherAll(context.Background())
	require.NoError(t, err)

	exec.setConnected(false)
	clock.advance(time.Minute)
	_, err = e.GatherAll(context.Background())
	require.NoError(t, err)

	exec.setConnected(true)
	clock.advance(time.Second)
	snap, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.UPSInstant, "no sample spans the outage")
	assert.Empty(t, e.History())
}

func TestEngine_CancelledContext(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{err: context.Canceled})

	e, _ := newTestEngine(exec, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.GatherAll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngine_LatestAndReset(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (1):\n bob"})
	exec.queue("tick", reply{out: "0"}, reply{out: "60"})
	exec.queue("evo", reply{out: "0.3"})

	e, clock := newTestEngine(exec, Options{})
	assert.False(t, e.Latest().Connected)

	_, err := e.GatherAll(context.Background())
	require.NoError(t, err)
	clock.advance(time.Second)
	_, err = e.GatherAll(context.Background())
	require.NoError(t, err)

	latest := e.Latest()
	assert.True(t, latest.Connected)
	latest.Players[0] = "mutated"
	assert.Equal(t, []string{"bob"}, e.Latest().Players, "latest returns a copy")

	e.Reset()
	assert.Empty(t, e.History())
	assert.False(t, e.Latest().HasData())
}

func TestEngine_StartStop(t *testing.T) {
	exec := newFakeExecutor()
	exec.queue("players", reply{out: "Online players (0):"})
	exec.queue("tick", reply{out: "1"})
	exec.queue("evo", reply{out: "0.1"})

	e := NewEngine("prod", exec, Options{Commands: testCommands, Interval: 10 * time.Millisecond})
	e.Start()
	e.Start()

	require.Eventually(t, func() bool { return exec.callCount() >= 6 }, time.Second, 5*time.Millisecond)
	e.Stop()
	n := exec.callCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, exec.callCount(), "no polls after stop")
	e.Stop()
}

func TestOptionsFromConfig_DerivesAlpha(t *testing.T) {
	opts := OptionsFromConfig(nil)
	assert.Greater(t, opts.Alpha, 0.0)
	assert.LessOrEqual(t, opts.Alpha, 1.0)
	assert.NotEmpty(t, opts.Commands.Players)
	assert.Equal(t, 60, opts.WindowSize)
}
