// Package recovery implements the recovery queue (spec.md §4.6): a
// priority work queue of RecoveryRecord items drained by three loops
// sharing one attempt routine, grounded on advanced_recovery.py's
// AdvancedRecoveryManager. The ticker/stop shape follows the same
// run/select{ticker.C, stopCh} pattern used by pkg/replication and
// pkg/integrity, generalized to three independently-ticking loops over
// one shared queue instead of one.
package recovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/placement"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/rs/zerolog"
)

const listPageSize = 1000

// Stats mirrors the counters the Python prototype's stats dict tracked,
// restated as typed fields (spec.md §6 /api/recovery/stats).
type Stats struct {
	TotalRecoveries        int64
	SuccessfulRecoveries   int64
	FailedRecoveries       int64
	PendingRecoveries      int
	AverageRecoveryTime    time.Duration
	LastRecovery           time.Time
	CriticalFilesRecovered int64
}

// Queue is the recovery queue: one priority-ordered slice of pending
// records, a bounded ring of history entries, and running stats, all
// behind one mutex (spec.md §5 "shared-resource policy").
type Queue struct {
	store       storage.Store
	client      *nodeclient.Client
	placement   *placement.Policy
	minReplicas int

	maxAttempts     int
	maxConcurrent   int
	retryDelay      time.Duration
	copyTimeout     time.Duration
	disasterTimeout time.Duration
	historyCap      int

	logger zerolog.Logger

	mu       sync.Mutex
	items    []*types.RecoveryRecord
	inFlight map[string]bool
	nextSeq  uint64
	stats    Stats
	history  []types.RecoveryHistoryEntry

	mainTick      time.Duration
	startedAt     time.Time
	lastProcessed time.Time

	stopCh     chan struct{}
	priorityCh chan struct{}
	stopOnce   sync.Once
}

// Config bundles the recovery queue's tunables (spec.md §6 defaults,
// pkg/config.Config).
type Config struct {
	MinReplicas     int
	MaxAttempts     int
	MaxConcurrent   int
	RetryDelay      time.Duration
	CopyTimeout     time.Duration
	DisasterTimeout time.Duration
	HistoryCap      int
}

// New creates a recovery queue, restoring its history ring buffer from the
// metadata store's persisted snapshot if one exists (SPEC_FULL.md §2: a
// restart must not lose the last historyCap attempts).
func New(store storage.Store, client *nodeclient.Client, pp *placement.Policy, cfg Config) *Queue {
	q := &Queue{
		store:           store,
		client:          client,
		placement:       pp,
		minReplicas:     cfg.MinReplicas,
		maxAttempts:     cfg.MaxAttempts,
		maxConcurrent:   cfg.MaxConcurrent,
		retryDelay:      cfg.RetryDelay,
		copyTimeout:     cfg.CopyTimeout,
		disasterTimeout: cfg.DisasterTimeout,
		historyCap:      cfg.HistoryCap,
		logger:          log.WithComponent("recovery"),
		inFlight:        make(map[string]bool),
		stopCh:          make(chan struct{}),
		priorityCh:      make(chan struct{}, 1),
	}

	if saved, err := store.LoadRecoveryHistory(); err == nil {
		q.history = saved
	} else {
		q.logger.Warn().Err(err).Msg("no persisted recovery history to restore")
	}

	return q
}

// Start launches the main, priority, and proactive loops, each in its own
// goroutine, sharing the queue's stop signal.
func (q *Queue) Start(mainTick, priorityTick, proactiveTick time.Duration) {
	q.mu.Lock()
	q.mainTick = mainTick
	q.startedAt = time.Now()
	q.mu.Unlock()

	go q.runMainLoop(mainTick)
	go q.runPriorityLoop(priorityTick)
	go q.runProactiveLoop(proactiveTick)
	q.logger.Info().
		Dur("main_tick", mainTick).
		Dur("priority_tick", priorityTick).
		Dur("proactive_tick", proactiveTick).
		Msg("recovery queue started")
}

// Stop signals all three loops to exit at their next tick boundary.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

func (q *Queue) runMainLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.processMain()
		case <-q.stopCh:
			q.logger.Info().Msg("recovery main loop stopped")
			return
		}
	}
}

func (q *Queue) runPriorityLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.processPriority()
		case <-q.priorityCh:
			q.processPriority()
		case <-q.stopCh:
			q.logger.Info().Msg("recovery priority loop stopped")
			return
		}
	}
}

func (q *Queue) runProactiveLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.proactiveScan()
		case <-q.stopCh:
			q.logger.Info().Msg("recovery proactive loop stopped")
			return
		}
	}
}

// Enqueue adds a record to the queue, deduplicating on file_id (spec.md
// §4.6 "Deduplication"). Priority is never escalated on re-enqueue.
func (q *Queue) Enqueue(rec types.RecoveryRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.items {
		if existing.FileID == rec.FileID {
			return
		}
	}

	copied := rec
	if copied.MaxAttempts == 0 {
		copied.MaxAttempts = q.maxAttempts
	}
	if copied.Status == "" {
		copied.Status = types.RecoveryStatusPending
	}
	copied.SetSeq(q.nextSeq)
	q.nextSeq++

	q.items = append(q.items, &copied)
	q.sortLocked()
	metrics.PendingRecoveries.Set(float64(len(q.items)))

	q.logger.Info().Str("file_id", copied.FileID).Int("priority", copied.Priority).Msg("enqueued for recovery")
}

// ForceRecovery enqueues file_id at the forced priority band and wakes the
// priority loop immediately (the /api/recovery/force/{file_id} handler).
func (q *Queue) ForceRecovery(fileID string) (bool, error) {
	fwr, err := q.store.GetFile(fileID)
	if err != nil {
		return false, err
	}

	q.Enqueue(types.RecoveryRecord{
		FileID:      fwr.File.ID,
		Filename:    fwr.File.Filename,
		Strategy:    classifyStrategy(fwr.Replicas, q.minReplicas),
		Priority:    types.PriorityForced,
		MaxAttempts: q.maxAttempts,
		Status:      types.RecoveryStatusPending,
	})

	select {
	case q.priorityCh <- struct{}{}:
	default:
	}
	return true, nil
}

// Stats returns a snapshot of the queue's running statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.PendingRecoveries = len(q.items)
	return stats
}

// Queued returns a snapshot of the pending records, priority-ordered.
func (q *Queue) Queued() []types.RecoveryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.RecoveryRecord, len(q.items))
	for i, rec := range q.items {
		out[i] = *rec
	}
	return out
}

// History returns up to limit of the most recent recovery attempts, most
// recent last.
func (q *Queue) History(limit int) []types.RecoveryHistoryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.history) {
		limit = len(q.history)
	}
	start := len(q.history) - limit
	out := make([]types.RecoveryHistoryEntry, limit)
	copy(out, q.history[start:])
	return out
}

// sortLocked re-sorts items by priority descending, preserving insertion
// order for ties (spec.md §4.6 "Ordering"). Caller must hold q.mu.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].Priority > q.items[j].Priority
	})
}

// processMain takes up to maxConcurrent pending records and attempts each,
// skipping any record the priority loop already has in flight so the same
// *RecoveryRecord is never attempted from two goroutines at once (spec.md
// §5: the queue's mutex serializes record selection and removal).
func (q *Queue) processMain() {
	q.mu.Lock()
	var batch []*types.RecoveryRecord
	for _, rec := range q.items {
		if len(batch) >= q.maxConcurrent {
			break
		}
		if q.inFlight[rec.FileID] {
			continue
		}
		q.inFlight[rec.FileID] = true
		batch = append(batch, rec)
	}
	q.lastProcessed = time.Now()
	q.mu.Unlock()

	for _, rec := range batch {
		q.runAttempt(rec)
	}
}

// processPriority attempts every record at or above PriorityCorrupt,
// skipping any already claimed by the main loop's in-flight batch.
func (q *Queue) processPriority() {
	q.mu.Lock()
	var batch []*types.RecoveryRecord
	for _, rec := range q.items {
		if rec.Priority < types.PriorityCorrupt {
			continue
		}
		if q.inFlight[rec.FileID] {
			continue
		}
		q.inFlight[rec.FileID] = true
		batch = append(batch, rec)
	}
	q.mu.Unlock()

	for _, rec := range batch {
		q.runAttempt(rec)
	}
}

// runAttempt wraps attempt with the in-flight release: whichever of
// markSuccessful/markFailed/the early-exit paths inside attempt runs, the
// record is always released afterward so a later tick can select it again.
func (q *Queue) runAttempt(rec *types.RecoveryRecord) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, rec.FileID)
		q.mu.Unlock()
	}()
	q.attempt(rec)
}

// Healthy reports whether the main loop's selection pass has run recently.
// It backs the "recovery" readiness check in pkg/metrics.
func (q *Queue) Healthy() (bool, string) {
	q.mu.Lock()
	tick := q.mainTick
	started := q.startedAt
	last := q.lastProcessed
	q.mu.Unlock()

	if last.IsZero() {
		if tick == 0 || time.Since(started) < tick {
			return true, "awaiting first pass"
		}
		return false, "no pass completed since start"
	}
	if tick > 0 && time.Since(last) > 3*tick {
		return false, fmt.Sprintf("last pass %s ago", time.Since(last).Round(time.Second))
	}
	return true, ""
}

// proactiveScan reads the metadata store and enqueues files that are
// under-replicated or carry a corrupted replica (spec.md §4.6 "Proactive
// scanner").
func (q *Queue) proactiveScan() {
	offset := 0
	for {
		page, err := q.store.ListFiles(listPageSize, offset)
		if err != nil {
			q.logger.Error().Err(err).Msg("proactive scan: list files failed")
			return
		}
		if len(page) == 0 {
			return
		}
		for _, summary := range page {
			q.checkUnderReplicated(summary)
			q.checkCorrupted(summary.File.ID)
		}
		offset += len(page)
		if len(page) < listPageSize {
			return
		}
	}
}

func (q *Queue) checkUnderReplicated(summary types.FileSummary) {
	if summary.ActiveReplicas >= q.minReplicas {
		return
	}
	priority := types.PriorityUnderRepl
	if summary.ActiveReplicas == 0 {
		priority = types.PriorityDisaster
	}
	q.Enqueue(types.RecoveryRecord{
		FileID:      summary.File.ID,
		Filename:    summary.File.Filename,
		Strategy:    types.StrategyWiden,
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
		Status:      types.RecoveryStatusPending,
	})
}

func (q *Queue) checkCorrupted(fileID string) {
	replicas, err := q.store.GetReplicas(fileID)
	if err != nil {
		q.logger.Error().Err(err).Str("file_id", fileID).Msg("proactive scan: get replicas failed")
		return
	}
	var corrupted int
	var filename string
	for _, r := range replicas {
		if r.Status == types.ReplicaStatusCorrupted {
			corrupted++
		}
	}
	if corrupted == 0 {
		return
	}
	if fwr, err := q.store.GetFile(fileID); err == nil {
		filename = fwr.File.Filename
	}
	q.Enqueue(types.RecoveryRecord{
		FileID:      fileID,
		Filename:    filename,
		Strategy:    types.StrategyRebuildCorrupted,
		Priority:    types.PriorityCorrupt,
		MaxAttempts: q.maxAttempts,
		Status:      types.RecoveryStatusPending,
	})
}

// classifyStrategy reports which strategy a record would currently take,
// used only to label a freshly-enqueued record; the attempt logic always
// re-derives the live strategy from the file's current replica state.
func classifyStrategy(replicas []types.Replica, minReplicas int) types.RecoveryStrategy {
	active, corrupted := 0, 0
	for _, r := range replicas {
		switch r.Status {
		case types.ReplicaStatusActive:
			active++
		case types.ReplicaStatusCorrupted:
			corrupted++
		}
	}
	switch {
	case active == 0:
		return types.StrategyDisaster
	case active < minReplicas:
		return types.StrategyWiden
	case corrupted > 0:
		return types.StrategyRebuildCorrupted
	default:
		return types.StrategyWiden
	}
}
