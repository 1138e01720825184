package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studio/server/internal/events"
	"studio/server/internal/model"
	"studio/server/internal/provider"
	"studio/server/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	fail map[string]bool

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	finished    int
	startedAt   map[string]int // finished count observed when each request started
}

func newFakeGenerator(failIDs ...string) *fakeGenerator {
	g := &fakeGenerator{fail: map[string]bool{}, startedAt: map[string]int{}}
	for _, id := range failIDs {
		g.fail[id] = true
	}
	return g
}

func (g *fakeGenerator) Generate(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	g.startedAt[in.RequestID] = g.finished
	g.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	g.mu.Lock()
	g.inFlight--
	g.finished++
	g.mu.Unlock()

	if g.fail[in.RequestID] {
		return provider.GenerateOutput{}, &provider.Error{Category: "upstream", Code: "GENERATION_FAILED", InternalMessage: "boom " + in.RequestID}
	}
	return provider.GenerateOutput{AssetURL: "https://cdn/" + in.RequestID + ".mp4"}, nil
}

type recordingMerger struct {
	mu    sync.Mutex
	calls [][]model.Asset
}

func (m *recordingMerger) MergeBatch(_ context.Context, results []model.Asset) []model.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]model.Asset(nil), results...))
	return results
}

func (m *recordingMerger) snapshot() [][]model.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]model.Asset(nil), m.calls...)
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) total() (int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum time.Duration
	for _, d := range w.waits {
		sum += d
	}
	return len(w.waits), sum
}

func requests(n int) []model.GenerationRequest {
	out := make([]model.GenerationRequest, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.GenerationRequest{
			ID:     fmt.Sprintf("req-%d", i),
			Title:  fmt.Sprintf("Scene %d", i),
			Prompt: fmt.Sprintf("prompt %d", i),
		})
	}
	return out
}

var refs = [][]byte{[]byte("ref")}

func newTestDispatcher(gen provider.Generator, m Merger, opts Options) (*Dispatcher, *waitRecorder) {
	d := NewDispatcher(gen, m, events.NewHub(), telemetry.NewNop(), opts)
	w := &waitRecorder{}
	d.wait = w.wait
	return d, w
}

func runToEnd(t *testing.T, d *Dispatcher, in StartInput) model.BatchRun {
	t.Helper()
	run, err := d.Start(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, model.BatchRunning, run.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, run.ID)
	require.NoError(t, err, "run did not finish before timeout")
	return final
}

func TestTwentyThreeRequestsWithOneFailure(t *testing.T) {
	gen := newFakeGenerator("req-15")
	merger := &recordingMerger{}
	d, w := newTestDispatcher(gen, merger, Options{})

	final := runToEnd(t, d, StartInput{Requests: requests(23), ReferenceAssets: refs})

	assert.Equal(t, model.BatchCompleted, final.Status)
	assert.Equal(t, 23, final.TotalCount)
	assert.Equal(t, 23, final.CompletedCount)
	assert.Equal(t, 3, final.TotalGroups)
	require.Len(t, final.Failures, 1)
	assert.Equal(t, "req-15", final.Failures[0].RequestID)
	assert.Contains(t, final.Failures[0].Message, "boom")
	assert.Len(t, final.Results, 22)

	waits, total := w.total()
	assert.Equal(t, 2*int(Cooldown/CooldownTick), waits)
	assert.Equal(t, 2*Cooldown, total)

	calls := merger.snapshot()
	require.Len(t, calls, 1, "results are merged in one append")
	require.Len(t, calls[0], 22)
	assert.Equal(t, "animation-"+final.ID+"-req-1", calls[0][0].ID)
	assert.Equal(t, "Scene 1", calls[0][0].Title)
	assert.Equal(t, "https://cdn/req-1.mp4", calls[0][0].ThumbnailURL)
	for i := 1; i < len(calls[0]); i++ {
		assert.Less(t, calls[0][i-1].SourceIndex, calls[0][i].SourceIndex)
	}
}

func TestGroupsRunInOrderWithBoundedConcurrency(t *testing.T) {
	gen := newFakeGenerator()
	d, _ := newTestDispatcher(gen, nil, Options{})
	runToEnd(t, d, StartInput{Requests: requests(25), ReferenceAssets: refs})

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.LessOrEqual(t, gen.maxInFlight, GroupSize)
	for i := 1; i <= 25; i++ {
		group := (i - 1) / GroupSize
		assert.GreaterOrEqual(t, gen.startedAt[fmt.Sprintf("req-%d", i)], group*GroupSize,
			"req-%d started before the previous group settled", i)
	}
}

func TestCooldownCount(t *testing.T) {
	for _, tc := range []struct{ n, cooldowns int }{{1, 0}, {10, 0}, {11, 1}, {20, 1}, {21, 2}, {30, 2}, {31, 3}} {
		t.Run(fmt.Sprint(tc.n), func(t *testing.T) {
			d, w := newTestDispatcher(newFakeGenerator(), nil, Options{})
			runToEnd(t, d, StartInput{Requests: requests(tc.n), ReferenceAssets: refs})
			_, total := w.total()
			assert.Equal(t, time.Duration(tc.cooldowns)*Cooldown, total)
		})
	}
}

func TestAccountingWhenEverythingFails(t *testing.T) {
	ids := make([]string, 0, 12)
	for i := 1; i <= 12; i++ {
		ids = append(ids, fmt.Sprintf("req-%d", i))
	}
	merger := &recordingMerger{}
	d, _ := newTestDispatcher(newFakeGenerator(ids...), merger, Options{})
	final := runToEnd(t, d, StartInput{Requests: requests(12), ReferenceAssets: refs})

	assert.Equal(t, model.BatchCompleted, final.Status, "all-failed is still a completed run")
	assert.Empty(t, final.Results)
	assert.Len(t, final.Failures, 12)
	assert.Equal(t, 12, final.CompletedCount)
	assert.Empty(t, merger.snapshot())
}

func TestStartValidation(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGenerator(), nil, Options{})

	_, err := d.Start(context.Background(), StartInput{ReferenceAssets: refs})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, ErrNoRequests)

	_, err = d.Start(context.Background(), StartInput{Requests: requests(3)})
	assert.ErrorIs(t, err, ErrNoReferenceAssets)

	reqs := requests(2)
	reqs[1].ID = reqs[0].ID
	_, err = d.Start(context.Background(), StartInput{Requests: reqs, ReferenceAssets: refs})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	own := requests(1)
	own[0].ReferenceAssets = refs
	final := runToEnd(t, d, StartInput{Requests: own})
	assert.Len(t, final.Results, 1, "per-request references satisfy validation")

	assert.Len(t, d.List(), 1, "rejected starts leave no run behind")
}

func TestTooManyRuns(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGenerator(), nil, Options{MaxRuns: 1})
	blocked := make(chan struct{})
	d.wait = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-blocked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	first, err := d.Start(context.Background(), StartInput{Requests: requests(11), ReferenceAssets: refs})
	require.NoError(t, err)

	_, err = d.Start(context.Background(), StartInput{Requests: requests(1), ReferenceAssets: refs})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	close(blocked)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Wait(ctx, first.ID)
	require.NoError(t, err)

	_, err = d.Start(context.Background(), StartInput{Requests: requests(1), ReferenceAssets: refs})
	assert.NoError(t, err, "slot is released once the run finishes")
}

func TestCancelDuringCooldown(t *testing.T) {
	merger := &recordingMerger{}
	d, _ := newTestDispatcher(newFakeGenerator(), merger, Options{})
	inCooldown := make(chan struct{})
	var once sync.Once
	d.wait = func(ctx context.Context, _ time.Duration) error {
		once.Do(func() { close(inCooldown) })
		<-ctx.Done()
		return ctx.Err()
	}

	run, err := d.Start(context.Background(), StartInput{Requests: requests(23), ReferenceAssets: refs})
	require.NoError(t, err)

	select {
	case <-inCooldown:
	case <-time.After(5 * time.Second):
		t.Fatal("first cooldown never started")
	}
	snap, err := d.Cancel(run.ID)
	require.NoError(t, err)
	assert.True(t, snap.CancelRequested)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, model.BatchCanceled, final.Status)
	assert.Len(t, final.Results, 10, "results of the settled group are kept")
	assert.Len(t, final.Failures, 13)
	assert.Equal(t, 23, final.CompletedCount)
	assert.Equal(t, "canceled before dispatch", final.Failures[0].Message)

	calls := merger.snapshot()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 10)

	evts, err := d.Events(run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.EventRunCanceled, evts[len(evts)-1].Type)

	again, err := d.Cancel(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCanceled, again.Status)
}

func TestEventsAreIncrementalAndOrdered(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGenerator("req-2"), nil, Options{})
	final := runToEnd(t, d, StartInput{Requests: requests(3), ReferenceAssets: refs})

	evts, err := d.Events(final.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, model.EventRunStarted, evts[0].Type)
	assert.Equal(t, model.EventGroupStarted, evts[1].Type)
	assert.Equal(t, model.EventRunCompleted, evts[len(evts)-1].Type)
	assert.Equal(t, 2, evts[len(evts)-1].Payload["succeeded"])
	assert.Equal(t, 1, evts[len(evts)-1].Payload["failed"])

	var settled []int
	for i, e := range evts {
		assert.Equal(t, int64(i+1), e.Seq)
		if e.Type == model.EventRequestSucceeded || e.Type == model.EventRequestFailed {
			settled = append(settled, e.Payload["completed"].(int))
		}
	}
	assert.Equal(t, []int{1, 2, 3}, settled)

	tail, err := d.Events(final.ID, evts[2].Seq)
	require.NoError(t, err)
	assert.Len(t, tail, len(evts)-3)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGenerator(), nil, Options{})
	release := make(chan struct{})
	var started atomic.Bool
	d.gen = generatorFunc(func(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error) {
		started.Store(true)
		<-release
		return provider.GenerateOutput{AssetURL: "u"}, nil
	})

	run, err := d.Start(context.Background(), StartInput{Requests: requests(1), ReferenceAssets: refs})
	require.NoError(t, err)
	ch, unsubscribe, err := d.Subscribe(run.ID)
	require.NoError(t, err)
	defer unsubscribe()
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == model.EventRunCompleted {
				assert.True(t, started.Load())
				return
			}
		case <-deadline:
			t.Fatal("no run_completed event received")
		}
	}
}

func TestUnknownRun(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGenerator(), nil, Options{})
	_, err := d.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = d.Cancel("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = d.Events("nope", 0)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, _, err = d.Subscribe("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 10}, {10, 20}, {20, 23}}, partition(23, 10))
	assert.Equal(t, [][2]int{{0, 10}}, partition(10, 10))
	assert.Empty(t, partition(0, 10))
}

type generatorFunc func(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error)

func (f generatorFunc) Generate(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error) {
	return f(ctx, in)
}

func hangingGenerator(started chan<- string) generatorFunc {
	return func(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error) {
		if started != nil {
			started <- in.RequestID
		}
		<-ctx.Done()
		return provider.GenerateOutput{}, &provider.Error{Category: "canceled", Code: "CANCELED", InternalMessage: ctx.Err().Error()}
	}
}

func TestRequestTimeoutRecordsFailure(t *testing.T) {
	merger := &recordingMerger{}
	d, _ := newTestDispatcher(hangingGenerator(nil), merger, Options{RequestTimeout: 30 * time.Millisecond})
	final := runToEnd(t, d, StartInput{Requests: requests(3), ReferenceAssets: refs})

	assert.Equal(t, model.BatchCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedCount)
	assert.Empty(t, final.Results)
	require.Len(t, final.Failures, 3)
	for _, f := range final.Failures {
		assert.Contains(t, f.Message, context.DeadlineExceeded.Error())
	}
	assert.Empty(t, merger.snapshot())
}

func TestCloseAbortsInFlightAndSkipsTheRest(t *testing.T) {
	started := make(chan string, GroupSize)
	d, _ := newTestDispatcher(hangingGenerator(started), nil, Options{})

	run, err := d.Start(context.Background(), StartInput{Requests: requests(23), ReferenceAssets: refs})
	require.NoError(t, err)
	for i := 0; i < GroupSize; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("first group never went out")
		}
	}

	d.Close()

	final, err := d.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCanceled, final.Status)
	assert.Equal(t, 23, final.CompletedCount)
	assert.Empty(t, final.Results)
	require.Len(t, final.Failures, 23)
	skipped := 0
	for _, f := range final.Failures {
		if f.Message == "canceled before dispatch" {
			skipped++
		}
	}
	assert.Equal(t, 13, skipped)
}

func TestCancelAfterLastGroupSentCompletes(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	gen := generatorFunc(func(ctx context.Context, in provider.GenerateInput) (provider.GenerateOutput, *provider.Error) {
		started.Add(1)
		<-release
		return provider.GenerateOutput{AssetURL: "https://cdn/" + in.RequestID}, nil
	})
	merger := &recordingMerger{}
	d, _ := newTestDispatcher(gen, merger, Options{})

	run, err := d.Start(context.Background(), StartInput{Requests: requests(3), ReferenceAssets: refs})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Load() == 3 }, 5*time.Second, time.Millisecond)

	_, err = d.Cancel(run.ID)
	require.NoError(t, err)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, model.BatchCompleted, final.Status, "every request was attempted")
	assert.True(t, final.CancelRequested)
	assert.Len(t, final.Results, 3)
	assert.Empty(t, final.Failures)
	require.Len(t, merger.snapshot(), 1)
}
