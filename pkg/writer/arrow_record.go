package writer

import (
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/jetntuple/jetntuple/internal/model"
)

// jetType is the element type of the gen_jets and reco_jets list columns.
var jetType = arrow.StructOf(
	arrow.Field{Name: "index", Type: arrow.PrimitiveTypes.Int32},
	arrow.Field{Name: "pt", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "eta", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "phi", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "px", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "py", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "pz", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "e", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "btag", Type: arrow.FixedWidthTypes.Boolean},
	arrow.Field{Name: "tautag", Type: arrow.FixedWidthTypes.Boolean},
	arrow.Field{Name: "nconstituents", Type: arrow.PrimitiveTypes.Int32},
)

// Column positions in ntupleSchema.
const (
	colEntry = iota
	colGenNJets
	colGenNBJets
	colGenNTauJets
	colRecoNJets
	colRecoNBJets
	colRecoNTauJets
	colGenJets
	colRecoJets
)

// ntupleSchema returns the Arrow schema shared by the Parquet and IPC
// writers. Metadata keys are sorted so the schema is deterministic.
func ntupleSchema(metadata map[string]string) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "entry", Type: arrow.PrimitiveTypes.Int64},
		{Name: "gen_njets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "gen_nbjets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "gen_ntaujets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "reco_njets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "reco_nbjets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "reco_ntaujets", Type: arrow.PrimitiveTypes.Int32},
		{Name: "gen_jets", Type: arrow.ListOf(jetType)},
		{Name: "reco_jets", Type: arrow.ListOf(jetType)},
	}

	if len(metadata) == 0 {
		return arrow.NewSchema(fields, nil)
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = metadata[k]
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &md)
}

// recordBatcher accumulates rows into Arrow record batches.
type recordBatcher struct {
	schema  *arrow.Schema
	builder *array.RecordBuilder
	rows    int
}

func newRecordBatcher(mem memory.Allocator, schema *arrow.Schema, batchSize int) *recordBatcher {
	b := array.NewRecordBuilder(mem, schema)
	b.Reserve(batchSize)
	return &recordBatcher{schema: schema, builder: b}
}

func (rb *recordBatcher) append(row *Row) {
	b := rb.builder
	b.Field(colEntry).(*array.Int64Builder).Append(row.Entry)
	appendTotals(b, colGenNJets, row.Gen)
	appendTotals(b, colRecoNJets, row.Reco)
	appendJets(b.Field(colGenJets).(*array.ListBuilder), row.GenJets)
	appendJets(b.Field(colRecoJets).(*array.ListBuilder), row.RecoJets)
	rb.rows++
}

func appendTotals(b *array.RecordBuilder, first int, t model.Totals) {
	b.Field(first).(*array.Int32Builder).Append(int32(t.Jets))
	b.Field(first + 1).(*array.Int32Builder).Append(int32(t.BJets))
	b.Field(first + 2).(*array.Int32Builder).Append(int32(t.TauJets))
}

func appendJets(lb *array.ListBuilder, jets []model.JetSummary) {
	lb.Append(true)
	sb := lb.ValueBuilder().(*array.StructBuilder)
	for _, j := range jets {
		sb.Append(true)
		sb.FieldBuilder(0).(*array.Int32Builder).Append(int32(j.Index))
		sb.FieldBuilder(1).(*array.Float64Builder).Append(j.PT)
		sb.FieldBuilder(2).(*array.Float64Builder).Append(j.Eta)
		sb.FieldBuilder(3).(*array.Float64Builder).Append(j.Phi)
		sb.FieldBuilder(4).(*array.Float64Builder).Append(j.P4.Px)
		sb.FieldBuilder(5).(*array.Float64Builder).Append(j.P4.Py)
		sb.FieldBuilder(6).(*array.Float64Builder).Append(j.P4.Pz)
		sb.FieldBuilder(7).(*array.Float64Builder).Append(j.P4.E)
		sb.FieldBuilder(8).(*array.BooleanBuilder).Append(j.BTag)
		sb.FieldBuilder(9).(*array.BooleanBuilder).Append(j.TauTag)
		sb.FieldBuilder(10).(*array.Int32Builder).Append(int32(j.NConstituents))
	}
}

// take returns the accumulated batch, or nil when empty. The caller
// releases the record.
func (rb *recordBatcher) take() arrow.Record {
	if rb.rows == 0 {
		return nil
	}
	rb.rows = 0
	return rb.builder.NewRecord()
}

func (rb *recordBatcher) release() {
	rb.builder.Release()
}
