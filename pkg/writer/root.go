package writer

import (
	"compress/flate"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/riofs"
	"go-hep.org/x/hep/groot/rtree"

	"github.com/jetntuple/jetntuple/internal/model"
)

// TreeName is the name of the ntuple tree in ROOT outputs.
const TreeName = "ntuple"

// rootJets holds the per-jet branches of one collection.
type rootJets struct {
	size    int32
	pt      []float64
	eta     []float64
	phi     []float64
	px      []float64
	py      []float64
	pz      []float64
	e       []float64
	btag    []int32
	tautag  []int32
	nconsts []int32
}

func (j *rootJets) vars(prefix string) []rtree.WriteVar {
	count := prefix + "_size"
	return []rtree.WriteVar{
		{Name: count, Value: &j.size},
		{Name: prefix + "_pt", Value: &j.pt, Count: count},
		{Name: prefix + "_eta", Value: &j.eta, Count: count},
		{Name: prefix + "_phi", Value: &j.phi, Count: count},
		{Name: prefix + "_px", Value: &j.px, Count: count},
		{Name: prefix + "_py", Value: &j.py, Count: count},
		{Name: prefix + "_pz", Value: &j.pz, Count: count},
		{Name: prefix + "_e", Value: &j.e, Count: count},
		{Name: prefix + "_btag", Value: &j.btag, Count: count},
		{Name: prefix + "_tautag", Value: &j.tautag, Count: count},
		{Name: prefix + "_nconstituents", Value: &j.nconsts, Count: count},
	}
}

func (j *rootJets) fill(rows []model.JetSummary) {
	j.size = int32(len(rows))
	j.pt, j.eta, j.phi = j.pt[:0], j.eta[:0], j.phi[:0]
	j.px, j.py, j.pz, j.e = j.px[:0], j.py[:0], j.pz[:0], j.e[:0]
	j.btag, j.tautag, j.nconsts = j.btag[:0], j.tautag[:0], j.nconsts[:0]
	for _, r := range rows {
		j.pt = append(j.pt, r.PT)
		j.eta = append(j.eta, r.Eta)
		j.phi = append(j.phi, r.Phi)
		j.px = append(j.px, r.P4.Px)
		j.py = append(j.py, r.P4.Py)
		j.pz = append(j.pz, r.P4.Pz)
		j.e = append(j.e, r.P4.E)
		j.btag = append(j.btag, boolToInt32(r.BTag))
		j.tautag = append(j.tautag, boolToInt32(r.TauTag))
		j.nconsts = append(j.nconsts, int32(r.NConstituents))
	}
}

// ROOTWriter writes ntuple rows to a flat ROOT tree.
type ROOTWriter struct {
	file *riofs.File
	tree rtree.Writer

	mu     sync.Mutex
	closed bool
	rows   int64

	entry                 int64
	genN, genB, genTau    int32
	recoN, recoB, recoTau int32
	genJets, recoJets     rootJets
}

// NewROOTWriter creates a ROOT file at path holding one tree.
func NewROOTWriter(path string, cfg Config) (*ROOTWriter, error) {
	f, err := groot.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create root file: %w", err)
	}

	w := &ROOTWriter{file: f}
	vars := []rtree.WriteVar{
		{Name: "entry", Value: &w.entry},
		{Name: "gen_njets", Value: &w.genN},
		{Name: "gen_nbjets", Value: &w.genB},
		{Name: "gen_ntaujets", Value: &w.genTau},
		{Name: "reco_njets", Value: &w.recoN},
		{Name: "reco_nbjets", Value: &w.recoB},
		{Name: "reco_ntaujets", Value: &w.recoTau},
	}
	vars = append(vars, w.genJets.vars("genjet")...)
	vars = append(vars, w.recoJets.vars("recojet")...)

	opts := []rtree.WriteOption{rtree.WithTitle(treeTitle(cfg.Metadata))}
	switch cfg.Compression {
	case CompressionNone:
		opts = append(opts, rtree.WithoutCompression())
	case CompressionGzip:
		opts = append(opts, rtree.WithZlib(flate.DefaultCompression))
	case CompressionLZ4:
		opts = append(opts, rtree.WithLZ4(flate.DefaultCompression))
	case CompressionZstd:
		opts = append(opts, rtree.WithZstd(flate.DefaultCompression))
	}

	tree, err := rtree.NewWriter(f, TreeName, vars, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create root tree: %w", err)
	}
	w.tree = tree
	return w, nil
}

// treeTitle renders writer metadata as the tree title.
func treeTitle(md map[string]string) string {
	if len(md) == 0 {
		return "jet ntuple"
	}
	parts := make([]string, 0, len(md))
	for k, v := range md {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return "jet ntuple " + strings.Join(parts, " ")
}

// Name returns the format name.
func (w *ROOTWriter) Name() string {
	return string(FormatROOT)
}

// WriteRow implements RowWriter.
func (w *ROOTWriter) WriteRow(ctx context.Context, row *Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("root writer is closed")
	}

	w.entry = row.Entry
	w.genN, w.genB, w.genTau = int32(row.Gen.Jets), int32(row.Gen.BJets), int32(row.Gen.TauJets)
	w.recoN, w.recoB, w.recoTau = int32(row.Reco.Jets), int32(row.Reco.BJets), int32(row.Reco.TauJets)
	w.genJets.fill(row.GenJets)
	w.recoJets.fill(row.RecoJets)

	if _, err := w.tree.Write(); err != nil {
		return fmt.Errorf("failed to write tree entry: %w", err)
	}
	w.rows++
	return nil
}

// Close writes the tree and closes the file.
func (w *ROOTWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.tree.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to close root tree: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close root file: %w", err)
	}
	return nil
}

// RowsWritten returns the number of tree entries written.
func (w *ROOTWriter) RowsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
