package writer

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/rtree"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/resilience"
	"github.com/jetntuple/jetntuple/pkg/storage/s3"
)

func jet(entry int64, coll model.Collection, idx int, pt float64, btag, tautag bool) model.JetSummary {
	return model.JetSummary{
		Entry:         entry,
		Collection:    coll,
		Index:         idx,
		PT:            pt,
		BTag:          btag,
		TauTag:        tautag,
		NConstituents: 2,
		P4:            model.PtEtaPhiM(pt, 0, 0, 0),
	}
}

// feed pushes events through a Sink the way the processor does.
func feed(t *testing.T, s *Sink) {
	t.Helper()
	ctx := context.Background()

	events := []struct {
		entry int64
		gen   []model.JetSummary
		reco  []model.JetSummary
	}{
		{39, []model.JetSummary{jet(39, model.Truth, 0, 40, true, false), jet(39, model.Truth, 1, 20, false, true)}, nil},
		{41, []model.JetSummary{jet(41, model.Truth, 0, 15, false, false)}, []model.JetSummary{jet(41, model.Reco, 0, 14, true, true)}},
	}
	for _, ev := range events {
		s.Clear()
		for _, coll := range []model.Collection{model.Truth, model.Reco} {
			jets := ev.gen
			if coll == model.Reco {
				jets = ev.reco
			}
			var totals model.Totals
			for _, j := range jets {
				require.NoError(t, s.WriteJet(ctx, j))
				totals.Jets++
				if j.BTag {
					totals.BJets++
				}
				if j.TauTag {
					totals.TauJets++
				}
			}
			require.NoError(t, s.WriteTotals(ctx, coll, totals))
		}
		require.NoError(t, s.Flush(ctx))
	}
}

type captureWriter struct {
	rows   []Row
	closed int
	err    error
}

func (c *captureWriter) Name() string { return "capture" }

func (c *captureWriter) WriteRow(ctx context.Context, row *Row) error {
	if c.err != nil {
		return c.err
	}
	cp := *row
	cp.GenJets = append([]model.JetSummary(nil), row.GenJets...)
	cp.RecoJets = append([]model.JetSummary(nil), row.RecoJets...)
	c.rows = append(c.rows, cp)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed++
	return c.err
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatROOT, FormatFromPath("test.root"))
	assert.Equal(t, FormatROOT, FormatFromPath("ntuple"))
	assert.Equal(t, FormatParquet, FormatFromPath("out/ntuple.PARQUET"))
	assert.Equal(t, FormatArrow, FormatFromPath("ntuple.arrow"))
	assert.Equal(t, FormatDuckDB, FormatFromPath("s3://bucket/run.duckdb"))
	assert.Equal(t, Format("csv"), FormatFromPath("out.csv"))
	assert.False(t, FormatFromPath("out.csv").Supported())
	assert.True(t, FormatFromPath("test.root").Supported())
}

func TestOpen_RejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "ok.root")
	csv := filepath.Join(dir, "out.csv")

	_, err := Open(root+","+csv, DefaultConfig())
	require.Error(t, err)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeUnknownFormat))
	assert.Contains(t, err.Error(), "format=csv")
	assert.NoFileExists(t, csv)
}

func TestParseCompression(t *testing.T) {
	assert.Equal(t, CompressionZstd, ParseCompression("ZSTD"))
	assert.Equal(t, CompressionGzip, ParseCompression("zlib"))
	assert.Equal(t, CompressionNone, ParseCompression("bogus"))
	assert.Equal(t, "lz4", CompressionLZ4.String())
}

func TestSink_AssemblesRows(t *testing.T) {
	cw := &captureWriter{}
	s := NewSink(cw)
	feed(t, s)

	require.Len(t, cw.rows, 2)
	first := cw.rows[0]
	assert.Equal(t, int64(39), first.Entry)
	assert.Equal(t, model.Totals{Jets: 2, BJets: 1, TauJets: 1}, first.Gen)
	assert.Equal(t, model.Totals{}, first.Reco)
	assert.Len(t, first.GenJets, 2)
	assert.Empty(t, first.RecoJets)

	second := cw.rows[1]
	assert.Equal(t, int64(41), second.Entry)
	assert.Len(t, second.GenJets, 1, "Clear drops the previous event's jets")
	assert.Equal(t, model.Totals{Jets: 1, BJets: 1, TauJets: 1}, second.Reco)
	assert.Equal(t, int64(2), s.Rows())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, cw.closed)
}

func TestSink_FlushErrorIsCoded(t *testing.T) {
	cw := &captureWriter{err: errors.New("disk full")}
	s := NewSink(cw)

	s.Clear()
	err := s.Flush(context.Background())
	assert.True(t, jerrors.IsCode(err, jerrors.CodeWriteFailed))

	err = s.Close()
	assert.True(t, jerrors.IsCode(err, jerrors.CodeFinalizeFailed))
}

func TestMulti_ClosesAll(t *testing.T) {
	a := &captureWriter{}
	b := &captureWriter{}
	m := NewMulti(a, b)
	assert.Equal(t, "capture+capture", m.Name())

	require.NoError(t, m.WriteRow(context.Background(), &Row{Entry: 1}))
	assert.Len(t, a.rows, 1)
	assert.Len(t, b.rows, 1)

	a.err = errors.New("a failed")
	b.err = errors.New("b failed")
	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
}

type recordingUploader struct {
	uploads  map[string][]byte
	failures int
	calls    int
}

func (r *recordingUploader) Upload(ctx context.Context, localPath string, u s3.URI) error {
	r.calls++
	if r.calls <= r.failures {
		return jerrors.New(jerrors.CodeS3, "slow down")
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	r.uploads[u.String()] = b
	return nil
}

func TestOpen_S3OutputIsUploaded(t *testing.T) {
	up := &recordingUploader{uploads: map[string][]byte{}}
	local := filepath.Join(t.TempDir(), "ntuple.arrow")

	s, err := Open(local+", s3://physics/runs/ntuple.parquet", DefaultConfig(), WithUploader(up))
	require.NoError(t, err)
	assert.Equal(t, "arrow+parquet", s.Name())
	staged := s.uploads[0].local

	feed(t, s)
	require.NoError(t, s.Close())

	assert.NotEmpty(t, up.uploads["s3://physics/runs/ntuple.parquet"])
	assert.FileExists(t, local)
	assert.NoFileExists(t, staged)
}

func TestOpen_S3UploadIsRetried(t *testing.T) {
	up := &recordingUploader{uploads: map[string][]byte{}, failures: 2}
	policy := resilience.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	s, err := Open("s3://physics/runs/ntuple.parquet", DefaultConfig(), WithUploader(up), WithRetryPolicy(policy))
	require.NoError(t, err)
	feed(t, s)
	require.NoError(t, s.Close())
	assert.Equal(t, 3, up.calls)
	assert.NotEmpty(t, up.uploads["s3://physics/runs/ntuple.parquet"])

	up = &recordingUploader{uploads: map[string][]byte{}, failures: 5}
	s, err = Open("s3://physics/runs/ntuple.parquet", DefaultConfig(), WithUploader(up), WithRetryPolicy(policy))
	require.NoError(t, err)
	feed(t, s)
	err = s.Close()
	assert.True(t, jerrors.IsCode(err, jerrors.CodeS3))
	assert.Equal(t, 3, up.calls)
}

func TestOpen_S3WithoutUploader(t *testing.T) {
	_, err := Open("s3://physics/runs/ntuple.root", DefaultConfig())
	assert.True(t, jerrors.IsCode(err, jerrors.CodeS3))

	_, err = Open(" ", DefaultConfig())
	assert.True(t, jerrors.IsCode(err, jerrors.CodeInvalidInput))
}

func TestParquetWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntuple.parquet")
	cfg := DefaultConfig()
	cfg.BatchSize = 1

	s, err := Open(path, cfg)
	require.NoError(t, err)
	feed(t, s)
	require.NoError(t, s.Close())

	rdr, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(2), tbl.NumRows())
	assert.Equal(t, "gen_nbjets", tbl.Schema().Field(colGenNBJets).Name)

	var entries []int64
	for _, chunk := range tbl.Column(colEntry).Data().Chunks() {
		entries = append(entries, chunk.(*array.Int64).Int64Values()...)
	}
	assert.Equal(t, []int64{39, 41}, entries)
}

func TestArrowWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntuple.arrow")
	cfg := DefaultConfig()
	cfg.Metadata = map[string]string{"run_id": "r-1"}

	w, err := NewArrowWriter(path, cfg)
	require.NoError(t, err)
	feed(t, NewSink(w))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(2), w.RowsWritten())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := ipc.NewFileReader(f)
	require.NoError(t, err)
	defer r.Close()

	assert.GreaterOrEqual(t, r.Schema().Metadata().FindKey("run_id"), 0)
	require.Equal(t, 1, r.NumRecords())
	rec, err := r.Record(0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.NumRows())

	genN := rec.Column(colGenNJets).(*array.Int32)
	assert.Equal(t, []int32{2, 1}, genN.Int32Values())

	genJets := rec.Column(colGenJets).(*array.List)
	start, end := genJets.ValueOffsets(0)
	assert.Equal(t, int64(2), end-start)
}

func TestROOTWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.root")

	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	feed(t, s)
	require.NoError(t, s.Close())

	f, err := groot.Open(path)
	require.NoError(t, err)
	defer f.Close()

	obj, err := f.Get(TreeName)
	require.NoError(t, err)
	tree := obj.(rtree.Tree)
	assert.Equal(t, int64(2), tree.Entries())

	var (
		genN          int32
		size          int32
		pts           []float64
		px, py, pz, e []float64
		totals        []int32
	)
	r, err := rtree.NewReader(tree, []rtree.ReadVar{
		{Name: "gen_njets", Value: &genN},
		{Name: "genjet_size", Value: &size},
		{Name: "genjet_pt", Value: &pts},
		{Name: "genjet_px", Value: &px},
		{Name: "genjet_py", Value: &py},
		{Name: "genjet_pz", Value: &pz},
		{Name: "genjet_e", Value: &e},
	})
	require.NoError(t, err)
	defer r.Close()

	var firstPts, firstP4 [][]float64
	err = r.Read(func(ctx rtree.RCtx) error {
		totals = append(totals, genN)
		if ctx.Entry == 0 {
			firstPts = append(firstPts, append([]float64(nil), pts...))
			for i := range px {
				firstP4 = append(firstP4, []float64{px[i], py[i], pz[i], e[i]})
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1}, totals)
	assert.Equal(t, [][]float64{{40, 20}}, firstPts)
	// jet() builds P4 at eta = phi = m = 0, so px and e equal pt.
	assert.Equal(t, [][]float64{{40, 0, 0, 40}, {20, 0, 0, 20}}, firstP4)
}

func TestROOTWriter_KeepsFourMomentum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.root")
	ctx := context.Background()

	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)

	s.Clear()
	reco := jet(7, model.Reco, 0, 5, false, false)
	reco.P4 = model.PxPyPzE(1, 2, 3, 4)
	require.NoError(t, s.WriteTotals(ctx, model.Truth, model.Totals{}))
	require.NoError(t, s.WriteJet(ctx, reco))
	require.NoError(t, s.WriteTotals(ctx, model.Reco, model.Totals{Jets: 1}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	f, err := groot.Open(path)
	require.NoError(t, err)
	defer f.Close()

	obj, err := f.Get(TreeName)
	require.NoError(t, err)

	var (
		size          int32
		px, py, pz, e []float64
		got           [][]float64
	)
	r, err := rtree.NewReader(obj.(rtree.Tree), []rtree.ReadVar{
		{Name: "recojet_size", Value: &size},
		{Name: "recojet_px", Value: &px},
		{Name: "recojet_py", Value: &py},
		{Name: "recojet_pz", Value: &pz},
		{Name: "recojet_e", Value: &e},
	})
	require.NoError(t, err)
	defer r.Close()

	err = r.Read(func(rtree.RCtx) error {
		got = append(got, append([]float64{float64(size)}, px[0], py[0], pz[0], e[0]))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 1, 2, 3, 4}}, got)
}

func TestDuckDBWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntuple.duckdb")
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Metadata = map[string]string{"run_id": "r-2"}

	w, err := NewDuckDBWriter(path, cfg)
	require.NoError(t, err)
	feed(t, NewSink(w))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(2), w.RowsWritten())

	db, err := sql.Open("duckdb", path)
	require.NoError(t, err)
	defer db.Close()

	var events, recoBJets int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*), CAST(SUM(reco_nbjets) AS INTEGER) FROM events`).Scan(&events, &recoBJets))
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, recoBJets)

	var jets int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jets WHERE collection = 'gen'`).Scan(&jets))
	assert.Equal(t, 3, jets)

	var runID string
	require.NoError(t, db.QueryRow(`SELECT value FROM metadata WHERE key = 'run_id'`).Scan(&runID))
	assert.Equal(t, "r-2", runID)
}

func TestDuckDBWriter_SQLErrorsAreCoded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntuple.duckdb")
	cfg := DefaultConfig()
	cfg.BatchSize = 1

	w, err := NewDuckDBWriter(path, cfg)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.WriteRow(ctx, &Row{Entry: 39}))

	err = w.WriteRow(ctx, &Row{Entry: 39})
	require.Error(t, err)
	assert.True(t, jerrors.IsCode(err, jerrors.CodeDuckDB))
	assert.Contains(t, err.Error(), "insert event 39")
	assert.Equal(t, int64(1), w.RowsWritten())
}
