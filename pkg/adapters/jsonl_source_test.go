package adapters

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/storage/s3"
)

var chained = []string{"testdata/ztautau_a.jsonl", "testdata/ztautau_b.jsonl"}

func readAll(t *testing.T, src *JSONLSource) []*model.Event {
	t.Helper()
	var out []*model.Event
	for {
		ev, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestJSONLSource_DecodesEvent(t *testing.T) {
	src, err := NewJSONLSource(chained[:1])
	require.NoError(t, err)
	defer src.Close()

	ev, err := src.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), ev.Entry)
	assert.Equal(t, 3, ev.Multiplicity["Particle"])
	assert.Equal(t, 1, ev.Multiplicity["Muon"])
	assert.Equal(t, 0, ev.Multiplicity["Electron"])

	require.Len(t, ev.TruthJets, 1)
	gen := ev.TruthJets[0]
	assert.False(t, gen.BTag)
	assert.True(t, gen.TauTag)
	require.Len(t, gen.Constituents, 2)
	assert.Nil(t, gen.Constituents[1])

	p, ok := gen.Constituents[0].(*model.SimulatedParticle)
	require.True(t, ok)
	assert.Equal(t, 15, p.PID)
	assert.Equal(t, 0, p.M1)
	assert.Equal(t, 23, p.MotherPID)
	assert.Equal(t, model.PxPyPzE(20, 5, 3, 21), p.P4())

	require.Len(t, ev.RecoJets, 1)
	reco := ev.RecoJets[0]
	assert.True(t, reco.BTag)
	assert.False(t, reco.TauTag)
	require.Len(t, reco.Constituents, 2)
	tower, ok := reco.Constituents[0].(*model.CalorimeterTower)
	require.True(t, ok)
	assert.Equal(t, 8.0, tower.ET)
	assert.Equal(t, 8.7, tower.P4().E)

	other, ok := reco.Constituents[1].(*model.Unrecognized)
	require.True(t, ok)
	assert.Equal(t, "Muon", other.Class)
	assert.Equal(t, model.KindUnrecognized, other.Kind())
}

func TestJSONLSource_ReferenceEdgeCases(t *testing.T) {
	src, err := NewJSONLSource(chained[:1])
	require.NoError(t, err)
	defer src.Close()

	events := readAll(t, src)
	require.Len(t, events, 3)

	// blank line between the first two events is not an entry
	assert.Equal(t, int64(1), events[1].Entry)
	assert.Empty(t, events[1].TruthJets)
	assert.Len(t, events[1].RecoJets, 1)

	ev := events[2]
	require.Len(t, ev.TruthJets, 2)
	first := ev.TruthJets[0]
	assert.True(t, first.BTag)
	require.Len(t, first.Constituents, 2)
	p := first.Constituents[0].(*model.SimulatedParticle)
	assert.Equal(t, -1, p.M1)
	assert.Zero(t, p.MotherPID)
	assert.Nil(t, first.Constituents[1], "out-of-range reference resolves to nil")

	assert.True(t, ev.TruthJets[1].TauTag)
	assert.Nil(t, ev.TruthJets[1].Constituents)

	require.Len(t, ev.RecoJets, 1)
	assert.True(t, ev.RecoJets[0].BTag, "bit mask 2 counts as tagged")
	track, ok := ev.RecoJets[0].Constituents[0].(*model.DetectorTrack)
	require.True(t, ok)
	assert.InDelta(t, 4.0, track.P4().Pt(), 1e-12)
}

func TestJSONLSource_ChainsFiles(t *testing.T) {
	src, err := NewJSONLSource(chained)
	require.NoError(t, err)
	defer src.Close()

	events := readAll(t, src)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Entry)
	}
	assert.Equal(t, 11, events[3].TruthJets[0].Constituents[0].(*model.SimulatedParticle).PID)
}

func TestJSONLSource_SkipAcrossFiles(t *testing.T) {
	src, err := NewJSONLSource(chained)
	require.NoError(t, err)
	defer src.Close()

	n, err := src.Skip(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Entry)

	n, err = src.Skip(context.Background(), 39)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJSONLSource_SkipPastEnd(t *testing.T) {
	src, err := NewJSONLSource(chained)
	require.NoError(t, err)
	defer src.Close()

	n, err := src.Skip(context.Background(), 39)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestJSONLSource_CountEntries(t *testing.T) {
	src, err := NewJSONLSource(chained)
	require.NoError(t, err)
	defer src.Close()

	_, known := src.Entries()
	assert.False(t, known)

	n, err := src.CountEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, known := src.Entries()
	assert.True(t, known)
	assert.Equal(t, int64(5), got)

	// counting leaves the cursor alone
	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Entry)
}

func TestJSONLSource_MalformedLine(t *testing.T) {
	src, err := NewJSONLSource([]string{"testdata/malformed.jsonl"})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Next(context.Background())
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.Error(t, err)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeInvalidFormat))
	assert.Contains(t, err.Error(), "line=2")
}

func TestJSONLSource_MissingFile(t *testing.T) {
	src, err := NewJSONLSource([]string{"testdata/nope.jsonl"})
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	assert.True(t, jerrors.IsCode(err, jerrors.CodeFileNotFound))
}

func TestJSONLSource_CanceledContext(t *testing.T) {
	src, err := NewJSONLSource(chained)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.Next(ctx)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeContextCanceled))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = src.CountEntries(ctx)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeContextCanceled))
}

func TestJSONLSource_Compressed(t *testing.T) {
	raw, err := os.ReadFile(chained[1])
	require.NoError(t, err)
	dir := t.TempDir()

	gzPath := filepath.Join(dir, "b.jsonl.gz")
	f, err := os.Create(gzPath)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = gw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	zstPath := filepath.Join(dir, "b.jsonl.zst")
	f, err = os.Create(zstPath)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	src, err := NewJSONLSource([]string{gzPath, zstPath})
	require.NoError(t, err)
	defer src.Close()

	events := readAll(t, src)
	require.Len(t, events, 4)
	assert.Equal(t, int64(3), events[3].Entry)
}

type memStore map[string]string

func (m memStore) Open(ctx context.Context, u s3.URI) (io.ReadCloser, error) {
	body, ok := m[u.String()]
	if !ok {
		return nil, jerrors.New(jerrors.CodeS3, "no such key")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestJSONLSource_ObjectStore(t *testing.T) {
	raw, err := os.ReadFile(chained[1])
	require.NoError(t, err)
	store := memStore{"s3://runs/ztautau.jsonl": string(raw)}

	src, err := NewJSONLSource([]string{"s3://runs/ztautau.jsonl"}, WithOpener(Opener{Store: store}))
	require.NoError(t, err)
	defer src.Close()
	assert.Len(t, readAll(t, src), 2)

	_, err = Opener{}.Open(context.Background(), "s3://runs/ztautau.jsonl")
	assert.True(t, jerrors.IsCode(err, jerrors.CodeS3))
}

func TestExpandInputs(t *testing.T) {
	got, err := ExpandInputs("testdata/ztautau_*.jsonl")
	require.NoError(t, err)
	assert.Equal(t, chained, got)

	got, err = ExpandInputs("testdata/ztautau_b.jsonl, s3://runs/x.jsonl.gz,testdata/ztautau_a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, []string{"testdata/ztautau_b.jsonl", "s3://runs/x.jsonl.gz", "testdata/ztautau_a.jsonl"}, got)

	_, err = ExpandInputs("testdata/none_*.jsonl")
	assert.True(t, jerrors.IsCode(err, jerrors.CodeFileNotFound))

	_, err = ExpandInputs(" , ")
	assert.True(t, jerrors.IsCode(err, jerrors.CodeInvalidInput))
}
