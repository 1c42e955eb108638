package lifecycle

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/quota"
	"github.com/yangwenmai/readaloud/internal/store"
	"github.com/yangwenmai/readaloud/internal/worker"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []int64
	cancelled []int64
	inFlight  map[int64]bool
	err       error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{inFlight: map[int64]bool{}} }

func (q *fakeQueue) Submit(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, id)
	q.inFlight[id] = true
	return nil
}

func (q *fakeQueue) Cancel(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	ok := q.inFlight[id]
	delete(q.inFlight, id)
	return ok
}

func (q *fakeQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *fakeQueue) submittedIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.submitted...)
}

type fixture struct {
	store   *store.Store
	storage *blob.FSStorage
	guard   *quota.Guard
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	fs, err := blob.NewFSStorage(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	return &fixture{store: s, storage: fs, guard: quota.NewGuard(fs, "audio", limit)}
}

func (f *fixture) controller(q Queue) *Controller {
	return New(f.store, f.storage, f.guard, q, Config{StorageLocation: "audio", Format: "wav"}, zap.NewNop())
}

// withPool wires a real worker pool running the stub synthesizer.
func (f *fixture) withPool(t *testing.T) (*Controller, *worker.Pool) {
	t.Helper()
	return f.withPoolWriting(t, f.storage)
}

// withPoolWriting is withPool with the generator writing through storage.
func (f *fixture) withPoolWriting(t *testing.T, storage blob.Storage) (*Controller, *worker.Pool) {
	t.Helper()
	gen := &worker.Generator{
		Store:       f.store,
		Storage:     storage,
		Synthesizer: &engine.StubSynthesizer{},
		Logger:      zap.NewNop(),
	}
	pool := worker.NewPool(gen, worker.PoolConfig{Workers: 2, QueueSize: 8}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f.controller(pool), pool
}

// waitReady waits until id is Ready and its job has left the pool.
func waitReady(t *testing.T, c *Controller, pool *worker.Pool, id int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, err := c.Status(context.Background(), id)
		return err == nil && e.Status == model.StatusReady && pool.InFlight() == 0
	}, 5*time.Second, 10*time.Millisecond, "artifact %d never became ready", id)
}

func TestScenario_LimitTwo(t *testing.T) {
	f := newFixture(t, 2)
	c, pool := f.withPool(t)
	ctx := context.Background()

	hello, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hello.ID)
	waitReady(t, c, pool, hello.ID)

	world, err := c.CreateArtifact(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, int64(2), world.ID)
	waitReady(t, c, pool, world.ID)

	_, err = c.CreateArtifact(ctx, "again")
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)

	entries, err := c.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Artifact.ID)
	assert.Equal(t, int64(1), entries[1].Artifact.ID)

	// Deleting a Ready artifact frees a slot.
	active, _, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	require.NoError(t, c.DeleteArtifact(ctx, hello.ID))
	ok, err := f.storage.Exists(ctx, hello.Key())
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = c.Status(ctx, hello.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	active, _, err = c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	again, err := c.CreateArtifact(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.ID, "ids are never reused")
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, 2)
	c, pool := f.withPool(t)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "round trip")
	require.NoError(t, err)
	waitReady(t, c, pool, a.ID)

	rc, size, got, err := c.Open(ctx, a.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "round trip", got.Prompt)

	require.NoError(t, c.DeleteArtifact(ctx, a.ID))

	ok, err := f.storage.Exists(ctx, a.Key())
	require.NoError(t, err)
	assert.False(t, ok)
	entries, err := c.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteArtifact_Idempotent(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := f.controller(q)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)

	require.NoError(t, c.DeleteArtifact(ctx, a.ID))
	require.NoError(t, c.DeleteArtifact(ctx, a.ID))
	require.NoError(t, c.DeleteArtifact(ctx, 999))

	assert.Equal(t, []int64{a.ID}, q.cancelled, "in-flight generation is cancelled once")
	assert.Zero(t, q.InFlight())
}

func TestCreateArtifact_QuotaDeniedHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := f.controller(q)
	ctx := context.Background()

	require.NoError(t, f.storage.Put(ctx, "audio/100.wav", []byte("a"), "audio/wav"))
	require.NoError(t, f.storage.Put(ctx, "audio/101.wav", []byte("b"), "audio/wav"))

	_, err := c.CreateArtifact(ctx, "hello")
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)

	list, err := f.store.ListArtifacts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, q.submittedIDs())
}

func TestCreateArtifact_EmptyPrompt(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := f.controller(q)

	_, err := c.CreateArtifact(context.Background(), "   \n")
	assert.ErrorIs(t, err, model.ErrEmptyPrompt)
	assert.Empty(t, q.submittedIDs())
}

func TestCreateArtifact_ConcurrentRequestsRespectLimit(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := f.controller(q)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, denied := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateArtifact(context.Background(), "hello")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, model.ErrQuotaExceeded):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, admitted)
	assert.Equal(t, 8, denied)
}

func TestCreateArtifact_QueueFullMarksFailed(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	q.err = worker.ErrQueueFull
	c := f.controller(q)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, a.ErrorInfo)

	e, err := c.Status(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, e.Status)
	info := e.Artifact.Failure()
	require.NotNil(t, info)
	assert.Equal(t, model.StepQueue, info.FailedStep)
	assert.Equal(t, worker.ErrQueueFull.Error(), info.Message)
}

func TestRetryArtifact(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := f.controller(q)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)

	_, err = c.RetryArtifact(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFailed, "pending artifacts cannot be retried")

	q.Cancel(a.ID)
	info := model.NewErrorInfo(model.StepSynthesize, "HTTP 503", true).ToJSON()
	require.NoError(t, f.store.MarkFailed(ctx, a.ID, info))

	retried, err := c.RetryArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, retried.ErrorInfo)
	assert.Equal(t, []int64{a.ID, a.ID}, q.submittedIDs())

	e, err := c.Status(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, e.Status)

	_, err = c.RetryArtifact(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRetryArtifact_RespectsQuota(t *testing.T) {
	f := newFixture(t, 1)
	q := newFakeQueue()
	c := f.controller(q)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)
	q.Cancel(a.ID)
	require.NoError(t, f.store.MarkFailed(ctx, a.ID, model.NewErrorInfo(model.StepSynthesize, "x", true).ToJSON()))
	require.NoError(t, f.storage.Put(ctx, "audio/50.wav", []byte("a"), "audio/wav"))

	_, err = c.RetryArtifact(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)

	e, err := c.Status(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, e.Status, "denied retry keeps the failure")
}

func TestResume(t *testing.T) {
	f := newFixture(t, 10)
	q := newFakeQueue()
	c := f.controller(q)
	ctx := context.Background()

	mk := func(prompt string) *model.Artifact {
		a, err := f.store.CreateArtifact(ctx, model.NewArtifact(prompt, "audio", "wav"))
		require.NoError(t, err)
		return a
	}
	pending := mk("pending")
	ready := mk("ready")
	failed := mk("failed")
	require.NoError(t, f.storage.Put(ctx, ready.Key(), engine.SilentWAV(200*time.Millisecond), "audio/wav"))
	require.NoError(t, f.store.MarkFailed(ctx, failed.ID, model.NewErrorInfo(model.StepSynthesize, "x", true).ToJSON()))

	n, err := c.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{pending.ID}, q.submittedIDs())
}

type failingRemove struct {
	*blob.FSStorage
}

func (failingRemove) Remove(context.Context, string) error { return errors.New("read-only file system") }

func TestDeleteArtifact_StorageErrorKeepsRecord(t *testing.T) {
	f := newFixture(t, 2)
	q := newFakeQueue()
	c := New(f.store, failingRemove{f.storage}, f.guard, q, Config{StorageLocation: "audio", Format: "wav"}, zap.NewNop())
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)

	err = c.DeleteArtifact(ctx, a.ID)
	require.ErrorContains(t, err, "read-only file system")

	_, err = f.store.GetArtifact(ctx, a.ID)
	assert.NoError(t, err)
}

func TestOpen_NotReady(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(newFakeQueue())
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)

	_, _, _, err = c.Open(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// heldWrite blocks the generator's Put until release is closed, then writes
// even though the job was cancelled. Removals by the generator are signalled.
type heldWrite struct {
	*blob.FSStorage
	entered chan struct{}
	release chan struct{}
	removed chan string
}

func (s *heldWrite) Put(ctx context.Context, key string, data []byte, contentType string) error {
	close(s.entered)
	<-s.release
	return s.FSStorage.Put(context.WithoutCancel(ctx), key, data, contentType)
}

func (s *heldWrite) Remove(ctx context.Context, key string) error {
	err := s.FSStorage.Remove(ctx, key)
	s.removed <- key
	return err
}

func TestDeleteArtifact_DuringWriteLeavesNoFile(t *testing.T) {
	f := newFixture(t, 2)
	held := &heldWrite{
		FSStorage: f.storage,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		removed:   make(chan string, 1),
	}
	c, _ := f.withPoolWriting(t, held)
	ctx := context.Background()

	a, err := c.CreateArtifact(ctx, "hello")
	require.NoError(t, err)
	<-held.entered

	require.NoError(t, c.DeleteArtifact(ctx, a.ID))
	close(held.release)

	select {
	case key := <-held.removed:
		assert.Equal(t, a.Key(), key)
	case <-time.After(5 * time.Second):
		t.Fatal("file written after delete was never removed")
	}

	ok, err := f.storage.Exists(ctx, a.Key())
	require.NoError(t, err)
	assert.False(t, ok)
	active, _, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
}
