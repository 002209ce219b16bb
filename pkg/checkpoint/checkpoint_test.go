package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
)

func newRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), DefaultRedisConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

// backendContract runs the behavior every backend must share.
func backendContract(t *testing.T, b Backend) {
	ctx := context.Background()

	running := New([]string{"a.jsonl", "b.jsonl"}, "test.root", 39)
	running.StartedAt = time.Now().Add(-time.Minute)
	done := New([]string{"c.jsonl"}, "c.root", 0)
	done.Phase = PhaseComplete

	require.NoError(t, b.Save(ctx, running))
	require.NoError(t, b.Save(ctx, done))

	got, err := b.Load(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, running.Inputs, got.Inputs)
	assert.Equal(t, int64(39), got.StartOffset)
	assert.Equal(t, int64(-1), got.LastEntry)

	incomplete, err := b.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, running.ID, incomplete[0].ID)

	running.Phase = PhaseComplete
	require.NoError(t, b.Save(ctx, running))
	incomplete, err = b.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	require.NoError(t, b.Delete(ctx, running.ID))
	_, err = b.Load(ctx, running.ID)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestFileBackend(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "file", b.Name())
	backendContract(t, b)

	assert.NoError(t, b.Delete(context.Background(), "never-saved"))
}

func TestRedisBackend(t *testing.T) {
	b, mr := newRedis(t)
	assert.Equal(t, "redis", b.Name())
	backendContract(t, b)

	cp := New([]string{"x.jsonl"}, "x.root", 39)
	require.NoError(t, b.Save(context.Background(), cp))
	assert.Greater(t, mr.TTL(b.key(cp.ID)), time.Duration(0))
}

func TestRedisBackend_PrunesExpired(t *testing.T) {
	b, mr := newRedis(t)
	ctx := context.Background()

	cp := New([]string{"x.jsonl"}, "x.root", 39)
	require.NoError(t, b.Save(ctx, cp))
	mr.FastForward(8 * 24 * time.Hour)

	incomplete, err := b.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
	assert.False(t, mr.Exists(b.incompleteSetKey()))
}

func TestRedisBackend_Unreachable(t *testing.T) {
	cfg := DefaultRedisConfig("127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond

	_, err := NewRedisBackend(context.Background(), cfg)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeRedis))
}

type memBackend struct {
	saves   []Checkpoint
	err     error
	listErr error
}

func (m *memBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if m.err != nil {
		return m.err
	}
	m.saves = append(m.saves, *cp)
	return nil
}
func (m *memBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	return nil, fs.ErrNotExist
}
func (m *memBackend) Delete(ctx context.Context, id string) error { return nil }
func (m *memBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	return nil, m.listErr
}
func (m *memBackend) Name() string { return "mem" }

func TestRecorder_SavesEveryN(t *testing.T) {
	mem := &memBackend{}
	rec := NewRecorder(mem, New([]string{"in.jsonl"}, "test.root", 39), 2, nil)
	mgr := hooks.NewManager()
	rec.Attach(mgr)
	ctx := context.Background()

	require.NoError(t, rec.Start(ctx))
	mgr.RunSkip(ctx, hooks.SkipInfo{Entry: 40, Count: 1, Reason: hooks.SkipEmptyTruth})
	mgr.RunSkip(ctx, hooks.SkipInfo{Entry: 0, Count: 39, Reason: hooks.SkipOffset})
	for i := int64(1); i <= 5; i++ {
		info := &hooks.EventInfo{Summary: model.EventSummary{Entry: 40 + i}, Processed: i}
		require.NoError(t, mgr.RunEvent(ctx, info))
	}

	// start + events 2 and 4
	require.Len(t, mem.saves, 3)
	assert.Equal(t, int64(44), mem.saves[2].LastEntry)
	assert.Equal(t, int64(4), mem.saves[2].EventsProcessed)
	assert.Equal(t, int64(1), rec.Checkpoint().EventsEmptyTruth)
	assert.Equal(t, PhaseRunning, rec.Checkpoint().Phase)
}

func TestRecorder_Finish(t *testing.T) {
	mem := &memBackend{}
	rec := NewRecorder(mem, New([]string{"in.jsonl"}, "test.root", 39), 100, nil)
	ctx := context.Background()

	report := &pipeline.RunReport{
		LastEntry:        120,
		EventsProcessed:  80,
		EventsEmptyTruth: 2,
		Termination:      pipeline.TerminationEarlyStop,
	}
	require.NoError(t, rec.Finish(ctx, report, nil))

	cp := rec.Checkpoint()
	assert.Equal(t, PhaseComplete, cp.Phase)
	assert.Equal(t, "early-stop", cp.Termination)
	assert.Equal(t, int64(120), cp.LastEntry)
	require.NotNil(t, cp.CompletedAt)

	require.NoError(t, rec.Finish(ctx, report, errors.New("disk full")))
	cp = rec.Checkpoint()
	assert.Equal(t, PhaseFailed, cp.Phase)
	assert.Equal(t, "disk full", cp.Error)
}

func TestRecorder_SaveErrorDoesNotStopRun(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mem := &memBackend{err: errors.New("redis down")}
	rec := NewRecorder(mem, New(nil, "test.root", 0), 1, zap.New(core))
	mgr := hooks.NewManager()
	rec.Attach(mgr)

	err := mgr.RunEvent(context.Background(), &hooks.EventInfo{Processed: 1})
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("checkpoint save failed").Len())

	assert.EqualError(t, rec.Finish(context.Background(), nil, nil), "redis down")
}

func TestRecorder_CloseReleasesRedis(t *testing.T) {
	b, _ := newRedis(t)
	rec := NewRecorder(b, New(nil, "test.root", 0), 1, nil)
	require.NoError(t, rec.Close())

	_, err := b.Load(context.Background(), "x")
	assert.Error(t, err)

	assert.NoError(t, NewRecorder(&memBackend{}, New(nil, "x", 0), 1, nil).Close())
}

func TestRecorder_StartReplacesUnfinishedRun(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	crashed := New([]string{"a.jsonl"}, "test.root", 39)
	crashed.LastEntry = 812
	other := New([]string{"b.jsonl"}, "test.root", 39)
	finished := New([]string{"a.jsonl"}, "test.root", 39)
	finished.Phase = PhaseComplete
	for _, cp := range []*Checkpoint{crashed, other, finished} {
		require.NoError(t, b.Save(ctx, cp))
	}

	core, logs := observer.New(zapcore.WarnLevel)
	cp := New([]string{"a.jsonl"}, "test.root", 39)
	rec := NewRecorder(b, cp, 1, zap.New(core))
	require.NoError(t, rec.Start(ctx))

	warned := logs.FilterMessage("previous run did not complete").All()
	require.Len(t, warned, 1)
	assert.Equal(t, crashed.ID, warned[0].ContextMap()["id"])
	assert.Equal(t, int64(812), warned[0].ContextMap()["last_entry"])

	_, err = b.Load(ctx, crashed.ID)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	incomplete, err := b.ListIncomplete(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(incomplete))
	for _, c := range incomplete {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{other.ID, cp.ID}, ids)

	_, err = b.Load(ctx, finished.ID)
	assert.NoError(t, err)
}

func TestRecorder_StartSurvivesListFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mem := &memBackend{listErr: errors.New("scan failed")}
	rec := NewRecorder(mem, New([]string{"a.jsonl"}, "test.root", 39), 1, zap.New(core))

	require.NoError(t, rec.Start(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("list incomplete checkpoints").Len())
	assert.Len(t, mem.saves, 1)
}
