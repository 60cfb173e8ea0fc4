package offqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptGateway records dispatch order and lets tests script per-op outcomes.
type scriptGateway struct {
	mu       sync.Mutex
	calls    []string
	onCreate func(recordID int64) error
	onUpdate func(recordID int64) error
	onDelete func(recordID int64) error
}

func (g *scriptGateway) record(op string, id int64) {
	g.mu.Lock()
	g.calls = append(g.calls, fmt.Sprintf("%s:%d", op, id))
	g.mu.Unlock()
}

func (g *scriptGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptGateway) Create(ctx context.Context, recordID int64, payload json.RawMessage) error {
	g.record("create", recordID)
	if g.onCreate != nil {
		return g.onCreate(recordID)
	}
	return nil
}

func (g *scriptGateway) Update(ctx context.Context, recordID int64, payload json.RawMessage) error {
	g.record("update", recordID)
	if g.onUpdate != nil {
		return g.onUpdate(recordID)
	}
	return nil
}

func (g *scriptGateway) Delete(ctx context.Context, recordID int64) error {
	g.record("delete", recordID)
	if g.onDelete != nil {
		return g.onDelete(recordID)
	}
	return nil
}

func newTestEngine(t *testing.T, config *EngineConfig) (*Engine, *SQLiteStore, *scriptGateway) {
	t.Helper()
	store := newTestSQLiteStore(t)
	gw := &scriptGateway{}
	engine := NewEngine(store, nil, nil, nil, config, newFakeClock(), nil)
	engine.RegisterGateway("widget", gw)
	return engine, store, gw
}

func TestEngine_CreateThenFlakyUpdateConvergesOverTwoCycles(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	recID, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpUpdate, recID, json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)

	updateAttempts := 0
	gw.onUpdate = func(int64) error {
		updateAttempts++
		if updateAttempts == 1 {
			return &RemoteError{StatusCode: 503, Message: "try later"}
		}
		return nil
	}

	// Cycle 1: create lands, update fails and stays queued with attempts=1
	result := engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Equal(t, 1, result.FailedCount)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, OpUpdate, queue[0].Op)
	require.Equal(t, recID, queue[0].RecordID)
	require.Equal(t, 1, queue[0].Attempts)

	// Cycle 2: the retried update succeeds, queue drains, record is synced
	result = engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Equal(t, 0, result.FailedCount)

	queue, err = store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, queue)

	records, err := store.Read(ctx, "widget", ReadFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Synced)

	require.Equal(t, []string{"create:1", "update:1", "update:1"}, gw.calls)
}

func TestEngine_DispatchesSameRecordMutationsInCreationOrder(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	second, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpUpdate, first, json.RawMessage(`{"n":3}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpDelete, second, nil)
	require.NoError(t, err)

	result := engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Equal(t, 4, result.SyncedCount)

	require.Equal(t, []string{
		fmt.Sprintf("create:%d", first),
		fmt.Sprintf("create:%d", second),
		fmt.Sprintf("update:%d", first),
		fmt.Sprintf("delete:%d", second),
	}, gw.calls)
}

func TestEngine_FailedEntryKeepsOrderAcrossCycles(t *testing.T) {
	// A same-record UPDATE queued behind a failing CREATE must not be sent
	// before the CREATE succeeds.
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	recID, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpUpdate, recID, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	createAttempts := 0
	gw.onCreate = func(int64) error {
		createAttempts++
		if createAttempts == 1 {
			return &TransportError{Op: "create", Err: errors.New("connection reset")}
		}
		return nil
	}
	failUpdate := true
	gw.onUpdate = func(int64) error {
		if failUpdate {
			return &TransportError{Op: "update", Err: errors.New("connection reset")}
		}
		return nil
	}

	result := engine.PerformSync(ctx, false)
	require.Equal(t, 2, result.FailedCount)

	failUpdate = false
	result = engine.PerformSync(ctx, false)
	require.Equal(t, 2, result.SyncedCount)

	require.Equal(t, []string{
		fmt.Sprintf("create:%d", recID),
		fmt.Sprintf("update:%d", recID),
		fmt.Sprintf("create:%d", recID),
		fmt.Sprintf("update:%d", recID),
	}, gw.calls)
}

func TestEngine_BusyGuardRejectsConcurrentTrigger(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	gw.onCreate = func(int64) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan SyncResult, 1)
	go func() { done <- engine.PerformSync(ctx, false) }()
	<-entered

	result := engine.PerformSync(ctx, false)
	require.False(t, result.Success)
	require.Equal(t, ErrBusy.Error(), result.Message)
	require.Equal(t, 1, gw.callCount(), "busy trigger must perform zero gateway calls")

	close(release)
	first := <-done
	require.True(t, first.Success)
	require.Equal(t, 1, first.SyncedCount)
}

func TestEngine_OfflineShortCircuit(t *testing.T) {
	store := newTestSQLiteStore(t)
	gw := &scriptGateway{}
	monitor := NewMonitor(nil, DefaultMonitorConfig(), nil, newFakeClock(), nil)
	engine := NewEngine(store, nil, monitor, nil, nil, newFakeClock(), nil)
	engine.RegisterGateway("widget", gw)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	result := engine.PerformSync(ctx, false)
	require.False(t, result.Success)
	require.Equal(t, ErrOffline.Error(), result.Message)
	require.Zero(t, gw.callCount())

	// Attempts are untouched by the short-circuit
	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, queue[0].Attempts)

	monitor.SetOnline(true)
	result = engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
}

func TestEngine_UnauthenticatedShortCircuit(t *testing.T) {
	store := newTestSQLiteStore(t)
	gw := &scriptGateway{}
	identity := &StaticIdentity{}
	engine := NewEngine(store, identity, nil, nil, nil, newFakeClock(), nil)
	engine.RegisterGateway("widget", gw)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	result := engine.PerformSync(ctx, false)
	require.False(t, result.Success)
	require.Equal(t, ErrUnauthenticated.Error(), result.Message)
	require.Zero(t, gw.callCount())

	identity.Identity = Identity{UserID: "user1"}
	result = engine.PerformSync(ctx, false)
	require.True(t, result.Success)
}

func TestEngine_ReturnsToIdleAfterPanickingGateway(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	broken := true
	gw.onCreate = func(int64) error {
		if broken {
			panic("gateway bug")
		}
		return nil
	}

	result := engine.PerformSync(ctx, false)
	require.False(t, result.Success)
	require.Contains(t, result.Message, "panicked")

	// The unconditional reset lets the next trigger through
	broken = false
	result = engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
}

func TestEngine_UnknownEntityIsSkippedAndRetained(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("gadget"))
	_, err := store.Write(ctx, "gadget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	result := engine.PerformSync(ctx, false)
	require.True(t, result.Success)
	require.Zero(t, result.SyncedCount)
	require.Zero(t, result.FailedCount, "skipped entities do not count as failures")
	require.Zero(t, gw.callCount())

	// The entry stays queued, attempts untouched, until a gateway shows up
	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, 0, queue[0].Attempts)

	engine.RegisterGateway("gadget", gw)
	result = engine.PerformSync(ctx, false)
	require.Equal(t, 1, result.SyncedCount)
}

func TestEngine_SnapshotExcludesMutationsEnqueuedMidCycle(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	gw.onCreate = func(recordID int64) error {
		// A user edit arriving while the drain runs
		if recordID == 1 {
			_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":2}`))
			require.NoError(t, err)
		}
		return nil
	}

	result := engine.PerformSync(ctx, false)
	require.Equal(t, 1, result.SyncedCount)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1, "mid-cycle mutation waits for the next trigger")

	result = engine.PerformSync(ctx, false)
	require.Equal(t, 1, result.SyncedCount)
}

func TestEngine_PurgeTombstonesAfterConfirmedDelete(t *testing.T) {
	config := DefaultEngineConfig()
	config.PurgeTombstones = true
	engine, store, _ := newTestEngine(t, config)
	ctx := context.Background()

	recID, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpDelete, recID, nil)
	require.NoError(t, err)

	result := engine.PerformSync(ctx, false)
	require.Equal(t, 2, result.SyncedCount)

	records, err := store.Read(ctx, "widget", ReadFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Empty(t, records, "tombstone is purged once the remote confirmed")
}

func TestEngine_BroadcastsCycleLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	broadcaster := NewBroadcaster(nil)
	engine := NewEngine(store, nil, nil, broadcaster, nil, newFakeClock(), nil)
	engine.RegisterGateway("widget", &scriptGateway{})
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	var events []Event
	broadcaster.Subscribe(func(ev Event) { events = append(events, ev) })

	engine.PerformSync(ctx, false)

	require.Len(t, events, 3)
	require.NotNil(t, events[0].SyncInProgress)
	require.True(t, *events[0].SyncInProgress)
	require.True(t, events[1].SyncCompleted)
	require.Equal(t, 1, events[1].SyncedCount)
	require.Equal(t, 0, events[1].FailedCount)
	require.NotNil(t, events[2].SyncInProgress)
	require.False(t, *events[2].SyncInProgress)
}

func TestEngine_BroadcastsSyncFailedOnPanic(t *testing.T) {
	store := newTestSQLiteStore(t)
	broadcaster := NewBroadcaster(nil)
	engine := NewEngine(store, nil, nil, broadcaster, nil, newFakeClock(), nil)
	gw := &scriptGateway{onCreate: func(int64) error { panic("gateway bug") }}
	engine.RegisterGateway("widget", gw)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	var failed, ended bool
	broadcaster.Subscribe(func(ev Event) {
		if ev.SyncFailed {
			failed = true
		}
		if ev.SyncInProgress != nil && !*ev.SyncInProgress {
			ended = true
		}
	})

	engine.PerformSync(ctx, false)
	require.True(t, failed)
	require.True(t, ended, "progress-end fires even when the cycle crashes")
}

func TestEngine_ForcedTriggerBypassesBusyGuard(t *testing.T) {
	engine, store, gw := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw.onCreate = func(int64) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	done := make(chan SyncResult, 1)
	go func() { done <- engine.PerformSync(ctx, false) }()
	<-entered

	result := engine.PerformSync(ctx, true)
	require.True(t, result.Success)

	close(release)
	<-done

	// Wait for both cycles to settle, then the engine accepts new triggers
	require.Eventually(t, func() bool {
		r := engine.PerformSync(ctx, false)
		return r.Success
	}, time.Second, 10*time.Millisecond)
}
