package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"studio/server/internal/events"
	"studio/server/internal/model"
	"studio/server/internal/provider"
	"studio/server/internal/sequence"
	"studio/server/internal/telemetry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// The generation endpoint allows GroupSize concurrent requests followed by a
// Cooldown pause.
const (
	GroupSize    = 10
	Cooldown     = 60 * time.Second
	CooldownTick = time.Second
)

const (
	defaultRequestTimeout = 5 * time.Minute
	defaultMaxRuns        = 2
	keepFinishedRuns      = 50
	subscriberBuffer      = 128
)

var (
	ErrNoRequests        = errors.New("no generation requests selected")
	ErrNoReferenceAssets = errors.New("no reference assets available")
	ErrDuplicateRequest  = errors.New("duplicate request id")
	ErrTooManyRuns       = errors.New("too many running batches")
	ErrRunNotFound       = errors.New("batch run not found")
)

// ValidationError is returned synchronously by Start; no request has been
// sent when it is returned.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Merger receives every successful result of a run in one call.
type Merger interface {
	MergeBatch(ctx context.Context, results []model.Asset) []model.Asset
}

type Options struct {
	RequestTimeout time.Duration
	MaxRuns        int
}

// StartInput carries the selected requests. ReferenceAssets is used for any
// request that brings none of its own.
type StartInput struct {
	Requests        []model.GenerationRequest
	ReferenceAssets [][]byte
}

type Dispatcher struct {
	gen    provider.Generator
	merger Merger
	hub    *events.Hub
	log    *telemetry.Logger

	requestTimeout time.Duration
	maxRuns        int

	// wait blocks for d or until ctx is done. Tests replace it to skip the
	// cooldown in real time.
	wait func(ctx context.Context, d time.Duration) error

	base     context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*runState
	order  []string
	active int
	wg     sync.WaitGroup
}

type runState struct {
	mu      sync.Mutex
	run     model.BatchRun
	events  []model.Event
	nextSeq int64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDispatcher(gen provider.Generator, merger Merger, hub *events.Hub, logger *telemetry.Logger, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxRuns < 1 {
		opts.MaxRuns = defaultMaxRuns
	}
	base, shutdown := context.WithCancel(context.Background())
	return &Dispatcher{
		gen:            gen,
		merger:         merger,
		hub:            hub,
		log:            logger.With("component", "Dispatcher"),
		requestTimeout: opts.RequestTimeout,
		maxRuns:        opts.MaxRuns,
		wait:           sleepCtx,
		base:           base,
		shutdown:       shutdown,
		runs:           map[string]*runState{},
	}
}

// Start validates the input and launches the run in the background. The
// returned snapshot is already running.
func (d *Dispatcher) Start(ctx context.Context, in StartInput) (model.BatchRun, error) {
	if err := ctx.Err(); err != nil {
		return model.BatchRun{}, err
	}
	reqs, err := validate(in)
	if err != nil {
		return model.BatchRun{}, err
	}

	d.mu.Lock()
	if d.active >= d.maxRuns {
		d.mu.Unlock()
		return model.BatchRun{}, &ValidationError{Err: ErrTooManyRuns, Detail: fmt.Sprintf("limit %d", d.maxRuns)}
	}
	d.active++

	runCtx, cancel := context.WithCancel(d.base)
	now := time.Now().UTC()
	rs := &runState{
		run: model.BatchRun{
			ID:              uuid.NewString(),
			Status:          model.BatchRunning,
			Requests:        reqs,
			GroupSize:       GroupSize,
			CooldownSeconds: int(Cooldown / time.Second),
			TotalCount:      len(reqs),
			TotalGroups:     (len(reqs) + GroupSize - 1) / GroupSize,
			Results:         []model.Asset{},
			Failures:        []model.Failure{},
			StartedAt:       now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.runs[rs.run.ID] = rs
	d.order = append(d.order, rs.run.ID)
	d.pruneLocked()
	d.wg.Add(1)
	d.mu.Unlock()

	d.publishEvent(rs, model.EventRunStarted, map[string]any{
		"total":        rs.run.TotalCount,
		"total_groups": rs.run.TotalGroups,
	})
	d.log.Info("batch started", "run_id", rs.run.ID, "requests", len(reqs))

	snapshot := rs.snapshot()
	go d.execute(runCtx, rs)
	return snapshot, nil
}

func validate(in StartInput) ([]model.GenerationRequest, error) {
	if len(in.Requests) == 0 {
		return nil, &ValidationError{Err: ErrNoRequests}
	}
	seen := make(map[string]bool, len(in.Requests))
	reqs := make([]model.GenerationRequest, 0, len(in.Requests))
	for i, r := range in.Requests {
		if r.ID == "" {
			r.ID = fmt.Sprintf("req-%d", i+1)
		}
		if seen[r.ID] {
			return nil, &ValidationError{Err: ErrDuplicateRequest, Detail: r.ID}
		}
		seen[r.ID] = true
		if len(r.ReferenceAssets) == 0 {
			r.ReferenceAssets = in.ReferenceAssets
		}
		if len(r.ReferenceAssets) == 0 {
			return nil, &ValidationError{Err: ErrNoReferenceAssets, Detail: r.ID}
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// Cancel stops further dispatch. Requests already in flight are allowed to
// settle; requests never sent are recorded as failures.
func (d *Dispatcher) Cancel(runID string) (model.BatchRun, error) {
	rs, err := d.lookup(runID)
	if err != nil {
		return model.BatchRun{}, err
	}
	rs.mu.Lock()
	if rs.run.Status != model.BatchRunning || rs.run.CancelRequested {
		snap := rs.snapshotLocked()
		rs.mu.Unlock()
		return snap, nil
	}
	rs.run.CancelRequested = true
	snap := rs.snapshotLocked()
	rs.mu.Unlock()

	rs.cancel()
	d.log.Info("batch cancel requested", "run_id", runID)
	return snap, nil
}

func (d *Dispatcher) Get(runID string) (model.BatchRun, error) {
	rs, err := d.lookup(runID)
	if err != nil {
		return model.BatchRun{}, err
	}
	return rs.snapshot(), nil
}

// List returns every known run, newest first.
func (d *Dispatcher) List() []model.BatchRun {
	d.mu.Lock()
	states := make([]*runState, 0, len(d.order))
	for i := len(d.order) - 1; i >= 0; i-- {
		states = append(states, d.runs[d.order[i]])
	}
	d.mu.Unlock()

	out := make([]model.BatchRun, 0, len(states))
	for _, rs := range states {
		out = append(out, rs.snapshot())
	}
	return out
}

// Events returns the run's events with Seq greater than fromSeq.
func (d *Dispatcher) Events(runID string, fromSeq int64) ([]model.Event, error) {
	rs, err := d.lookup(runID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]model.Event, 0)
	for _, evt := range rs.events {
		if evt.Seq > fromSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Replay is Events plus whether the run has finished. When it has, the
// returned events include the terminal one and nothing further will follow.
func (d *Dispatcher) Replay(runID string, fromSeq int64) ([]model.Event, bool, error) {
	rs, err := d.lookup(runID)
	if err != nil {
		return nil, false, err
	}
	finished := rs.finished()
	evts, err := d.Events(runID, fromSeq)
	return evts, finished, err
}

// Subscribe streams live events of a run. The caller replays history with
// Events and de-duplicates by Seq.
func (d *Dispatcher) Subscribe(runID string) (<-chan model.Event, func(), error) {
	if _, err := d.lookup(runID); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := d.hub.Subscribe(runID, subscriberBuffer)
	return ch, unsubscribe, nil
}

// Wait blocks until the run has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, runID string) (model.BatchRun, error) {
	rs, err := d.lookup(runID)
	if err != nil {
		return model.BatchRun{}, err
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return model.BatchRun{}, ctx.Err()
	}
}

// Close aborts every running batch, including in-flight requests, and waits
// for the runners to exit.
func (d *Dispatcher) Close() {
	d.shutdown()
	d.wg.Wait()
}

func (d *Dispatcher) lookup(runID string) (*runState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return rs, nil
}

func (d *Dispatcher) pruneLocked() {
	if len(d.order) <= keepFinishedRuns {
		return
	}
	kept := d.order[:0]
	excess := len(d.order) - keepFinishedRuns
	for _, id := range d.order {
		rs := d.runs[id]
		if excess > 0 && rs.finished() {
			delete(d.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}

func (d *Dispatcher) execute(ctx context.Context, rs *runState) {
	defer d.wg.Done()
	defer close(rs.done)
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	reqs := rs.run.Requests
	groups := partition(len(reqs), GroupSize)
	attempted := 0

	for gi, g := range groups {
		if ctx.Err() != nil {
			break
		}
		rs.mu.Lock()
		rs.run.CurrentGroup = gi + 1
		rs.run.CooldownRemaining = 0
		rs.mu.Unlock()
		d.publishEvent(rs, model.EventGroupStarted, map[string]any{
			"group": gi + 1,
			"size":  g[1] - g[0],
		})

		d.dispatchGroup(rs, reqs[g[0]:g[1]])
		attempted = g[1]

		if gi < len(groups)-1 {
			d.cooldown(ctx, rs)
		}
	}

	d.finish(rs, reqs[attempted:])
}

// dispatchGroup sends every request of the group concurrently and returns once
// all of them have settled.
func (d *Dispatcher) dispatchGroup(rs *runState, group []model.GenerationRequest) {
	var eg errgroup.Group
	eg.SetLimit(GroupSize)
	for _, req := range group {
		req := req
		eg.Go(func() error {
			d.dispatchOne(rs, req)
			return nil
		})
	}
	_ = eg.Wait()
}

func (d *Dispatcher) dispatchOne(rs *runState, req model.GenerationRequest) {
	ctx, cancel := context.WithTimeout(d.base, d.requestTimeout)
	defer cancel()

	out, pErr := d.gen.Generate(ctx, provider.GenerateInput{
		RequestID:       req.ID,
		Prompt:          req.Prompt,
		ReferenceAssets: req.ReferenceAssets,
	})
	if pErr != nil {
		d.recordFailure(rs, req, pErr)
		return
	}
	d.recordSuccess(rs, req, out)
}

func (d *Dispatcher) recordSuccess(rs *runState, req model.GenerationRequest, out provider.GenerateOutput) {
	title := req.Title
	if title == "" {
		title = req.Prompt
	}
	thumb := out.ThumbnailURL
	if thumb == "" {
		thumb = out.AssetURL
	}
	asset := model.Asset{
		ID:              sequence.BatchAssetID(rs.run.ID, req.ID),
		Kind:            model.AssetAnimation,
		Title:           title,
		URL:             out.AssetURL,
		ThumbnailURL:    thumb,
		DurationSeconds: out.DurationSeconds,
		SourceLabel:     model.SourceAnimationGenerator,
		SourceID:        req.ID,
		SourceSetID:     rs.run.ID,
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	asset.SourceIndex = requestIndex(rs.run.Requests, req.ID)
	rs.run.Results = append(rs.run.Results, asset)
	rs.run.CompletedCount++
	d.publishLocked(rs, model.EventRequestSucceeded, map[string]any{
		"request_id": req.ID,
		"asset":      asset,
		"completed":  rs.run.CompletedCount,
		"total":      rs.run.TotalCount,
	})
}

func (d *Dispatcher) recordFailure(rs *runState, req model.GenerationRequest, pErr *provider.Error) {
	msg := pErr.UserMessage
	if pErr.InternalMessage != "" {
		msg = pErr.InternalMessage
	}
	d.log.Warn("generation request failed", "run_id", rs.run.ID, "request_id", req.ID, "code", pErr.Code, "error", msg)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Failures = append(rs.run.Failures, model.Failure{RequestID: req.ID, Message: msg})
	rs.run.CompletedCount++
	d.publishLocked(rs, model.EventRequestFailed, map[string]any{
		"request_id": req.ID,
		"error_code": pErr.Code,
		"message":    msg,
		"retryable":  pErr.Retryable,
		"completed":  rs.run.CompletedCount,
		"total":      rs.run.TotalCount,
	})
}

// cooldown counts down one tick at a time so progress can show the remaining
// seconds. It returns early when the run is canceled.
func (d *Dispatcher) cooldown(ctx context.Context, rs *runState) {
	ticks := int(Cooldown / CooldownTick)
	for remaining := ticks; remaining > 0; remaining-- {
		if ctx.Err() != nil {
			return
		}
		rs.mu.Lock()
		rs.run.CooldownRemaining = remaining
		rs.mu.Unlock()
		d.publishEvent(rs, model.EventCooldownTick, map[string]any{
			"remaining": remaining,
		})
		if err := d.wait(ctx, CooldownTick); err != nil {
			return
		}
	}
	rs.mu.Lock()
	rs.run.CooldownRemaining = 0
	rs.mu.Unlock()
}

func (d *Dispatcher) finish(rs *runState, skipped []model.GenerationRequest) {
	rs.mu.Lock()
	for _, req := range skipped {
		rs.run.Failures = append(rs.run.Failures, model.Failure{RequestID: req.ID, Message: "canceled before dispatch"})
		rs.run.CompletedCount++
	}
	// A cancel that arrives after the last group was sent changes nothing.
	canceled := len(skipped) > 0
	if canceled {
		rs.run.Status = model.BatchCanceled
	} else {
		rs.run.Status = model.BatchCompleted
	}
	rs.run.CooldownRemaining = 0
	rs.run.EndedAt = time.Now().UTC()
	succeeded, failed := len(rs.run.Results), len(rs.run.Failures)
	// Merge while the run lock is held so nobody observes a finished run
	// whose results are not in the sequence yet.
	if succeeded > 0 && d.merger != nil {
		d.merger.MergeBatch(context.Background(), orderedResults(rs.run.Results))
	}
	rs.mu.Unlock()

	evt := model.EventRunCompleted
	if canceled {
		evt = model.EventRunCanceled
	}
	d.publishEvent(rs, evt, map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"total":     rs.run.TotalCount,
	})
	d.log.Info("batch finished", "run_id", rs.run.ID, "status", evt, "succeeded", succeeded, "failed", failed)
}

func (d *Dispatcher) publishEvent(rs *runState, eventType model.EventType, payload map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	d.publishLocked(rs, eventType, payload)
}

// publishLocked appends to the run's event log and fans out while rs.mu is
// held, so subscribers see events in Seq order.
func (d *Dispatcher) publishLocked(rs *runState, eventType model.EventType, payload map[string]any) {
	rs.nextSeq++
	evt := model.Event{
		EventID: uuid.NewString(),
		Seq:     rs.nextSeq,
		Topic:   rs.run.ID,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	rs.events = append(rs.events, evt)
	d.hub.Publish(rs.run.ID, evt)
}

func (rs *runState) snapshot() model.BatchRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshotLocked()
}

func (rs *runState) snapshotLocked() model.BatchRun {
	out := rs.run
	out.Requests = append([]model.GenerationRequest(nil), rs.run.Requests...)
	out.Results = append([]model.Asset{}, rs.run.Results...)
	out.Failures = append([]model.Failure{}, rs.run.Failures...)
	return out
}

func (rs *runState) finished() bool {
	select {
	case <-rs.done:
		return true
	default:
		return false
	}
}

// partition splits n items into consecutive [start, end) ranges of at most
// size items.
func partition(n, size int) [][2]int {
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func requestIndex(reqs []model.GenerationRequest, id string) int {
	for i, r := range reqs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func orderedResults(results []model.Asset) []model.Asset {
	out := append([]model.Asset(nil), results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SourceIndex < out[j].SourceIndex })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
