package recovery

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/placement"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		MinReplicas:     2,
		MaxAttempts:     3,
		MaxConcurrent:   3,
		RetryDelay:      5 * time.Minute,
		CopyTimeout:     5 * time.Second,
		DisasterTimeout: 5 * time.Second,
		HistoryCap:      100,
	}
}

func newTestQueue(t *testing.T, store storage.Store) *Queue {
	t.Helper()
	client := nodeclient.New(5 * time.Second)
	pp := placement.New(store, time.Hour)
	return New(store, client, pp, testConfig())
}

func TestEnqueueDeduplicatesByFileID(t *testing.T) {
	q := newTestQueue(t, newTestStore(t))
	q.Enqueue(types.RecoveryRecord{FileID: "f1", Priority: types.PriorityUnderRepl})
	q.Enqueue(types.RecoveryRecord{FileID: "f1", Priority: types.PriorityForced})

	queued := q.Queued()
	require.Len(t, queued, 1)
	require.Equal(t, types.PriorityUnderRepl, queued[0].Priority)
}

func TestEnqueueOrdersByPriorityThenInsertion(t *testing.T) {
	q := newTestQueue(t, newTestStore(t))
	q.Enqueue(types.RecoveryRecord{FileID: "low", Priority: types.PriorityUnderRepl})
	q.Enqueue(types.RecoveryRecord{FileID: "high-a", Priority: types.PriorityCorrupt})
	q.Enqueue(types.RecoveryRecord{FileID: "high-b", Priority: types.PriorityCorrupt})

	queued := q.Queued()
	require.Len(t, queued, 3)
	require.Equal(t, "high-a", queued[0].FileID)
	require.Equal(t, "high-b", queued[1].FileID)
	require.Equal(t, "low", queued[2].FileID)
}

func TestAttemptSkipsWithinRetryDelay(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t, store)
	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))

	rec := &types.RecoveryRecord{FileID: "f1", MaxAttempts: 3, LastAttempt: time.Now()}
	q.attempt(rec)

	require.Equal(t, 0, rec.Attempts)
}

func TestAttemptMarksFailedWhenMaxAttemptsExceeded(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t, store)
	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))

	rec := &types.RecoveryRecord{FileID: "f1", Attempts: 3, MaxAttempts: 3}
	q.items = []*types.RecoveryRecord{rec}
	q.attempt(rec)

	require.Empty(t, q.Queued())
	stats := q.Stats()
	require.EqualValues(t, 1, stats.FailedRecoveries)
	history := q.History(10)
	require.Len(t, history, 1)
	require.False(t, history[0].Success)
}

func TestAttemptWidensUnderReplicatedFile(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("blob"))
	}))
	defer source.Close()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer target.Close()

	store := newTestStore(t)
	q := newTestQueue(t, store)

	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))
	require.NoError(t, store.AddReplica("f1", "src", source.URL, types.ReplicaStatusActive))
	require.NoError(t, store.RegisterNode("tgt", target.URL))
	_, err := store.UpdateNodeHeartbeat("tgt", 1000, 0)
	require.NoError(t, err)

	rec := &types.RecoveryRecord{FileID: "f1", MaxAttempts: 3}
	q.items = []*types.RecoveryRecord{rec}
	q.attempt(rec)

	require.Empty(t, q.Queued())
	replicas, err := store.GetReplicas("f1")
	require.NoError(t, err)
	require.Len(t, replicas, 2)

	stats := q.Stats()
	require.EqualValues(t, 1, stats.SuccessfulRecoveries)
}

func TestAttemptRebuildsCorruptedReplica(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("blob"))
	}))
	defer source.Close()

	var uploaded bool
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer bad.Close()

	store := newTestStore(t)
	q := newTestQueue(t, store)

	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))
	require.NoError(t, store.AddReplica("f1", "good", source.URL, types.ReplicaStatusActive))
	require.NoError(t, store.AddReplica("f1", "bad", bad.URL, types.ReplicaStatusCorrupted))
	// Satisfy minReplicas so the widen branch doesn't fire first.
	require.NoError(t, store.AddReplica("f1", "good2", source.URL, types.ReplicaStatusActive))

	rec := &types.RecoveryRecord{FileID: "f1", MaxAttempts: 3}
	q.items = []*types.RecoveryRecord{rec}
	q.attempt(rec)

	require.True(t, uploaded)
	replicas, err := store.GetReplicas("f1")
	require.NoError(t, err)
	for _, r := range replicas {
		if r.NodeID == "bad" {
			require.Equal(t, types.ReplicaStatusActive, r.Status)
		}
	}
}

func TestAttemptFailsDisasterRecoveryWhenNoInactiveReplicaMatches(t *testing.T) {
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stale-blob"))
	}))
	defer stale.Close()

	store := newTestStore(t)
	q := newTestQueue(t, store)

	require.NoError(t, store.CreateFile(&types.File{ID: "f1", Checksum: "does-not-match", ReplicationFactor: 2, CreatedAt: time.Now()}))
	require.NoError(t, store.AddReplica("f1", "n1", stale.URL, types.ReplicaStatusInactive))

	rec := &types.RecoveryRecord{FileID: "f1", MaxAttempts: 3, Status: types.RecoveryStatusPending}
	q.items = []*types.RecoveryRecord{rec}
	q.attempt(rec)

	stats := q.Stats()
	require.Zero(t, stats.SuccessfulRecoveries)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, types.RecoveryStatusPending, rec.Status)
}

func TestProactiveScanEnqueuesUnderReplicatedAndCorruptedFiles(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t, store)

	require.NoError(t, store.CreateFile(&types.File{ID: "disaster", ReplicationFactor: 2, CreatedAt: time.Now()}))

	require.NoError(t, store.CreateFile(&types.File{ID: "corrupt", ReplicationFactor: 2, CreatedAt: time.Now()}))
	require.NoError(t, store.AddReplica("corrupt", "n1", "addr1", types.ReplicaStatusActive))
	require.NoError(t, store.AddReplica("corrupt", "n2", "addr2", types.ReplicaStatusCorrupted))
	// A second active replica keeps "corrupt" at minReplicas, so it is queued
	// for its corrupted replica rather than as under-replicated.
	require.NoError(t, store.AddReplica("corrupt", "n3", "addr3", types.ReplicaStatusActive))

	q.proactiveScan()

	queued := q.Queued()
	require.Len(t, queued, 2)

	byID := map[string]types.RecoveryRecord{}
	for _, r := range queued {
		byID[r.FileID] = r
	}
	require.Equal(t, types.PriorityDisaster, byID["disaster"].Priority)
	require.Equal(t, types.PriorityCorrupt, byID["corrupt"].Priority)
}

func TestHistoryPersistsAcrossQueueRestart(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t, store)
	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))

	rec := &types.RecoveryRecord{FileID: "f1", Attempts: 3, MaxAttempts: 3}
	q.items = []*types.RecoveryRecord{rec}
	q.attempt(rec)
	require.Len(t, q.History(10), 1)

	restarted := newTestQueue(t, store)
	history := restarted.History(10)
	require.Len(t, history, 1)
	require.Equal(t, "f1", history[0].FileID)
}

func TestMainAndPriorityLoopsDoNotDoubleAttemptSameRecord(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("blob"))
	}))
	defer source.Close()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer target.Close()

	store := newTestStore(t)
	q := newTestQueue(t, store)

	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))
	require.NoError(t, store.AddReplica("f1", "src", source.URL, types.ReplicaStatusActive))
	require.NoError(t, store.RegisterNode("tgt", target.URL))
	_, err := store.UpdateNodeHeartbeat("tgt", 1000, 0)
	require.NoError(t, err)

	// A disaster-priority record sits at the front of the sorted slice and
	// satisfies both processMain's batch (maxConcurrent) and processPriority's
	// filter (priority >= PriorityCorrupt) at once.
	rec := &types.RecoveryRecord{FileID: "f1", Priority: types.PriorityDisaster, MaxAttempts: 3}
	q.items = []*types.RecoveryRecord{rec}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.processMain() }()
	go func() { defer wg.Done(); q.processPriority() }()
	wg.Wait()

	stats := q.Stats()
	require.EqualValues(t, 1, stats.SuccessfulRecoveries)
	require.Empty(t, q.Queued())
	require.Empty(t, q.inFlight)
}

func TestForceRecoveryEnqueuesAtForcedPriority(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t, store)
	require.NoError(t, store.CreateFile(&types.File{ID: "f1", ReplicationFactor: 2, CreatedAt: time.Now()}))

	ok, err := q.ForceRecovery("f1")
	require.NoError(t, err)
	require.True(t, ok)

	queued := q.Queued()
	require.Len(t, queued, 1)
	require.Equal(t, types.PriorityForced, queued[0].Priority)
}
