// Package reconcile routes push events, poll results and full-state resyncs
// into the entity store. It owns no entity state of its own.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/normalize"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
)

// Drop reasons reported to metrics.
const (
	ReasonUnknownID   = "unknown_id"
	ReasonEmptyPatch  = "empty_patch"
	ReasonNoID        = "no_id"
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonClosed      = "closed"
)

var (
	ErrClosed     = errors.New("reconciler closed")
	ErrIncomplete = errors.New("incomplete entity record")
)

// Fetcher lists full entity collections from the backend.
type Fetcher interface {
	ListRobots(ctx context.Context) ([]shared.Record, error)
	ListShelves(ctx context.Context) ([]shared.Record, error)
	ListTasks(ctx context.Context) ([]shared.Record, error)
	ListZones(ctx context.Context) ([]shared.Record, error)
}

type Config struct {
	PushYawUnit string
	RESTYawUnit string
}

func DefaultConfig() Config {
	return Config{
		PushYawUnit: shared.YawRadians,
		RESTYawUnit: shared.YawRadians,
	}
}

type Reconciler struct {
	store   *store.Store
	fetcher Fetcher
	push    *normalize.Normalizer
	rest    *normalize.Normalizer
	metrics *metrics.Metrics
	logger  shared.Logger

	// mu is held for reading by every apply and for writing by Close, so no
	// apply can be in flight once Close returns.
	mu     sync.RWMutex
	closed bool
}

// New creates a reconciler. fetcher and m may be nil.
func New(cfg Config, s *store.Store, fetcher Fetcher, m *metrics.Metrics, logger shared.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		store:   s,
		fetcher: fetcher,
		push:    normalize.New(normalize.Options{YawUnit: cfg.PushYawUnit}),
		rest:    normalize.New(normalize.Options{YawUnit: cfg.RESTYawUnit}),
		metrics: m,
		logger:  logger,
	}
}

// Close stops all further applies. Responses that arrive later are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// guard takes the read lock and reports whether applies are still allowed.
// The caller must call the returned release func.
func (r *Reconciler) guard(source string) (func(), bool) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.metrics.Dropped(source, ReasonClosed)
		return func() {}, false
	}
	return r.mu.RUnlock, true
}

// HandlePush applies one push event. Errors are logged and counted; nothing
// propagates back into the connection's dispatch path.
func (r *Reconciler) HandlePush(msg shared.Message) {
	release, ok := r.guard(shared.SourcePush)
	defer release()
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("[Reconciler] recovered while handling %s: %v", msg.Type, p)
			r.metrics.Dropped(shared.SourcePush, ReasonMalformed)
		}
	}()

	body, err := normalize.Decode(msg.Data)
	if err != nil {
		r.logger.Printf("[Reconciler] dropped %s event: %v", msg.Type, err)
		r.metrics.Dropped(shared.SourcePush, ReasonMalformed)
		return
	}

	switch msg.Type {
	case shared.EventRobotUpdate, shared.EventRobotTelemetry, shared.EventRobotPosition:
		for _, rec := range items(body, "robots") {
			r.mergeRobot(shared.SourcePush, r.push.Robot(rec), false)
		}
	case shared.EventShelfLocationUpdate, shared.EventShelfUpdate:
		for _, rec := range items(body, "shelves") {
			r.mergeShelf(shared.SourcePush, r.push.Shelf(rec), false)
		}
	case shared.EventShelfLocationFixed:
		for _, rec := range items(body, "shelves") {
			r.restoreShelf(r.push.Shelf(rec))
		}
	case shared.EventTaskStatusChanged, shared.EventTaskUpdate:
		for _, rec := range items(body, "tasks") {
			r.mergeTask(shared.SourcePush, r.push.Task(rec), false, false)
		}
	case shared.EventTaskProgress:
		for _, rec := range items(body, "tasks") {
			p := r.push.TaskProgress(rec)
			r.mergeTask(shared.SourcePush, p.Task, false, false)
			if p.Robot != nil {
				r.mergeRobot(shared.SourcePush, *p.Robot, false)
			}
			if p.Shelf != nil {
				r.mergeShelf(shared.SourcePush, *p.Shelf, false)
			}
		}
	case shared.EventMapSnapshot, shared.EventMapState:
		// Map snapshots are deltas against known entities; new ones arrive by poll or resync.
		for _, rec := range normalize.List(body, "robots") {
			r.mergeRobot(shared.SourcePush, r.push.Robot(rec), false)
		}
		for _, rec := range normalize.List(body, "shelves") {
			r.mergeShelf(shared.SourcePush, r.push.Shelf(rec), false)
		}
	case shared.EventAllTasks, shared.EventTasksSnapshot:
		for _, rec := range normalize.List(body, "tasks") {
			r.mergeTask(shared.SourcePush, r.push.Task(rec), true, false)
		}
	default:
		r.logger.Printf("[Reconciler] ignored push event of type %q", msg.Type)
		r.metrics.Dropped(shared.SourcePush, ReasonUnknownType)
	}
}

// ApplyFleetPoll merges a fast-poll result. Known shelves take only their
// current position and status; unseen entities are inserted whole.
func (r *Reconciler) ApplyFleetPoll(robots, shelves []shared.Record) {
	release, ok := r.guard(shared.SourceFastPoll)
	defer release()
	if !ok {
		return
	}
	for _, rec := range robots {
		r.mergeRobot(shared.SourceFastPoll, r.rest.Robot(rec), true)
	}
	for _, rec := range shelves {
		r.mergeShelf(shared.SourceFastPoll, r.rest.Shelf(rec), true)
	}
}

// ApplyTaskPoll merges a slow-poll result: status only for known tasks.
func (r *Reconciler) ApplyTaskPoll(tasks []shared.Record) {
	release, ok := r.guard(shared.SourceSlowPoll)
	defer release()
	if !ok {
		return
	}
	for _, rec := range tasks {
		r.mergeTask(shared.SourceSlowPoll, r.rest.Task(rec), true, true)
	}
}

// ApplyTask applies the task a command returned. A task the store has not
// seen is inserted, taking origin as its origin storage unless the record
// carries one.
func (r *Reconciler) ApplyTask(rec shared.Record, origin *ontology.Pose) (ontology.Task, error) {
	release, ok := r.guard(shared.SourceCommand)
	defer release()
	if !ok {
		return ontology.Task{}, ErrClosed
	}
	u := r.rest.Task(rec)
	id, known := r.store.ResolveTask(u.Keys...)
	if !known {
		if u.Record == nil {
			return ontology.Task{}, fmt.Errorf("%w: task response has no id", ErrIncomplete)
		}
		t := *u.Record
		if t.OriginStorage == nil && origin != nil {
			o := *origin
			t.OriginStorage = &o
		}
		if err := r.store.PutTask(t); err != nil {
			return ontology.Task{}, err
		}
		id = t.ID
	} else if !u.Patch.IsEmpty() {
		if err := r.store.UpsertTask(id, u.Patch); err != nil {
			return ontology.Task{}, err
		}
	}
	r.metrics.Applied(shared.SourceCommand, shared.KindTask)
	t, _ := r.store.Task(id)
	return t, nil
}

// ApplyShelf applies the shelf a command returned. Only the current-side
// fields of a known shelf change.
func (r *Reconciler) ApplyShelf(rec shared.Record) (ontology.Shelf, error) {
	release, ok := r.guard(shared.SourceCommand)
	defer release()
	if !ok {
		return ontology.Shelf{}, ErrClosed
	}
	u := r.rest.Shelf(rec)
	id, known := r.store.ResolveShelf(u.Keys...)
	if !known {
		if u.Record == nil {
			return ontology.Shelf{}, fmt.Errorf("%w: shelf response has no id or storage pose", ErrIncomplete)
		}
		if err := r.store.PutShelf(*u.Record); err != nil {
			return ontology.Shelf{}, err
		}
		id = u.Record.ID
	} else if !u.Patch.IsEmpty() {
		if err := r.store.UpsertShelf(id, u.Patch); err != nil {
			return ontology.Shelf{}, err
		}
	}
	r.metrics.Applied(shared.SourceCommand, shared.KindShelf)
	sh, _ := r.store.Shelf(id)
	return sh, nil
}

// RestoreShelf snaps a shelf's live position back to its storage position.
func (r *Reconciler) RestoreShelf(id string) (ontology.Shelf, error) {
	release, ok := r.guard(shared.SourceCommand)
	defer release()
	if !ok {
		return ontology.Shelf{}, ErrClosed
	}
	sh, ok := r.store.Shelf(id)
	if !ok {
		return ontology.Shelf{}, fmt.Errorf("%w: shelf %s", store.ErrUnknownEntity, id)
	}
	if err := r.store.SetShelfCurrent(id, sh.Storage, ontology.LocationRestoredToStorage); err != nil {
		return ontology.Shelf{}, err
	}
	r.metrics.Applied(shared.SourceCommand, shared.KindShelf)
	sh, _ = r.store.Shelf(id)
	return sh, nil
}

// Remove deletes an entity after the backend confirmed its deletion.
func (r *Reconciler) Remove(kind, id string) bool {
	release, ok := r.guard(shared.SourceCommand)
	defer release()
	if !ok {
		return false
	}
	return r.store.Remove(kind, id)
}

// LoadSnapshot replaces the store's contents for every kind in snap.
func (r *Reconciler) LoadSnapshot(snap store.Snapshot) {
	release, ok := r.guard(shared.SourceSnapshot)
	defer release()
	if !ok {
		return
	}
	r.store.BulkReplace(snap)
	r.logger.Printf("[Reconciler] loaded snapshot: %d robots, %d shelves, %d tasks, %d zones",
		len(snap.Robots), len(snap.Shelves), len(snap.Tasks), len(snap.Zones))
}

// Resync fetches full state from the backend and bulk-replaces every kind that
// was fetched successfully. It runs on every transition into CONNECTED.
func (r *Reconciler) Resync(ctx context.Context) error {
	if r.fetcher == nil {
		return errors.New("reconciler has no fetcher")
	}
	start := time.Now()
	var snap store.Snapshot
	var errs []error

	if recs, err := r.fetcher.ListTasks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to fetch tasks: %w", err))
	} else {
		snap.Tasks = r.taskRecords(recs)
	}
	if recs, err := r.fetcher.ListRobots(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to fetch robots: %w", err))
	} else {
		snap.Robots = make([]ontology.Robot, 0, len(recs))
		for _, rec := range recs {
			if u := r.rest.Robot(rec); u.Record != nil {
				snap.Robots = append(snap.Robots, *u.Record)
			}
		}
	}
	if recs, err := r.fetcher.ListShelves(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to fetch shelves: %w", err))
	} else {
		snap.Shelves = make([]ontology.Shelf, 0, len(recs))
		for _, rec := range recs {
			if u := r.rest.Shelf(rec); u.Record != nil {
				snap.Shelves = append(snap.Shelves, *u.Record)
			}
		}
	}
	if recs, err := r.fetcher.ListZones(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to fetch zones: %w", err))
	} else {
		snap.Zones = make([]ontology.Zone, 0, len(recs))
		for _, rec := range recs {
			if z, ok := r.rest.Zone(rec); ok {
				snap.Zones = append(snap.Zones, z)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.LoadSnapshot(snap)
	r.metrics.ObserveResync(time.Since(start))
	return errors.Join(errs...)
}

// taskRecords keeps a locally captured origin snapshot when the backend
// record does not carry one.
func (r *Reconciler) taskRecords(recs []shared.Record) []ontology.Task {
	out := make([]ontology.Task, 0, len(recs))
	for _, rec := range recs {
		u := r.rest.Task(rec)
		if u.Record == nil {
			continue
		}
		t := *u.Record
		if t.OriginStorage == nil {
			if prev, ok := r.store.Task(t.ID); ok {
				t.OriginStorage = prev.OriginStorage
			}
		}
		out = append(out, t)
	}
	return out
}

func (r *Reconciler) mergeRobot(source string, u normalize.RobotUpdate, insert bool) {
	id, ok := r.store.ResolveRobot(u.Keys...)
	if !ok {
		if insert && u.Record != nil {
			if err := r.store.PutRobot(*u.Record); err == nil {
				r.metrics.Applied(source, shared.KindRobot)
			}
			return
		}
		r.drop(source, shared.KindRobot, u.Keys, u.Record != nil)
		return
	}
	if u.Patch.IsEmpty() {
		r.metrics.Dropped(source, ReasonEmptyPatch)
		return
	}
	if err := r.store.UpsertRobot(id, u.Patch); err != nil {
		r.logger.Printf("[Reconciler] failed to apply robot %s from %s: %v", id, source, err)
		return
	}
	r.metrics.Applied(source, shared.KindRobot)
}

func (r *Reconciler) mergeShelf(source string, u normalize.ShelfUpdate, insert bool) {
	id, ok := r.store.ResolveShelf(u.Keys...)
	if !ok {
		if insert && u.Record != nil {
			if err := r.store.PutShelf(*u.Record); err == nil {
				r.metrics.Applied(source, shared.KindShelf)
			}
			return
		}
		r.drop(source, shared.KindShelf, u.Keys, u.Record != nil)
		return
	}
	if u.Patch.IsEmpty() {
		r.metrics.Dropped(source, ReasonEmptyPatch)
		return
	}
	if err := r.store.UpsertShelf(id, u.Patch); err != nil {
		r.logger.Printf("[Reconciler] failed to apply shelf %s from %s: %v", id, source, err)
		return
	}
	r.metrics.Applied(source, shared.KindShelf)
}

// restoreShelf handles a completed return-to-storage: the live position
// snaps to the stored home position.
func (r *Reconciler) restoreShelf(u normalize.ShelfUpdate) {
	id, ok := r.store.ResolveShelf(u.Keys...)
	if !ok {
		r.drop(shared.SourcePush, shared.KindShelf, u.Keys, u.Record != nil)
		return
	}
	sh, ok := r.store.Shelf(id)
	if !ok {
		return
	}
	if err := r.store.SetShelfCurrent(id, sh.Storage, ontology.LocationRestoredToStorage); err != nil {
		r.logger.Printf("[Reconciler] failed to restore shelf %s: %v", id, err)
		return
	}
	r.metrics.Applied(shared.SourcePush, shared.KindShelf)
}

func (r *Reconciler) mergeTask(source string, u normalize.TaskUpdate, insert, statusOnly bool) {
	id, ok := r.store.ResolveTask(u.Keys...)
	if !ok {
		if insert && u.Record != nil {
			if err := r.store.PutTask(*u.Record); err == nil {
				r.metrics.Applied(source, shared.KindTask)
			}
			return
		}
		r.drop(source, shared.KindTask, u.Keys, u.Record != nil)
		return
	}
	patch := u.Patch
	if statusOnly {
		patch = ontology.TaskPatch{Status: u.Patch.Status}
	}
	if patch.IsEmpty() {
		r.metrics.Dropped(source, ReasonEmptyPatch)
		return
	}
	if err := r.store.UpsertTask(id, patch); err != nil {
		r.logger.Printf("[Reconciler] failed to apply task %s from %s: %v", id, source, err)
		return
	}
	r.metrics.Applied(source, shared.KindTask)
}

func (r *Reconciler) drop(source, kind string, keys []string, hadID bool) {
	if !hadID && len(keys) == 0 {
		r.logger.Printf("[Reconciler] dropped %s %s update without identifier", source, kind)
		r.metrics.Dropped(source, ReasonNoID)
		return
	}
	r.logger.Printf("[Reconciler] dropped %s %s update for unknown id %v", source, kind, keys)
	r.metrics.Dropped(source, ReasonUnknownID)
}

// items returns the entity records in a push body, which may be a single
// object, an array, or an object wrapping an array under key.
func items(body any, key string) []shared.Record {
	if recs := normalize.List(body, key); recs != nil {
		return recs
	}
	return normalize.Records(body)
}
