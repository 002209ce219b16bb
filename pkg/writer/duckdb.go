package writer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/jetntuple/jetntuple/internal/model"
	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

const duckdbSchema = `
	CREATE TABLE IF NOT EXISTS events (
		entry BIGINT PRIMARY KEY,
		gen_njets INTEGER NOT NULL,
		gen_nbjets INTEGER NOT NULL,
		gen_ntaujets INTEGER NOT NULL,
		reco_njets INTEGER NOT NULL,
		reco_nbjets INTEGER NOT NULL,
		reco_ntaujets INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jets (
		entry BIGINT NOT NULL,
		collection VARCHAR NOT NULL,
		idx INTEGER NOT NULL,
		pt DOUBLE,
		eta DOUBLE,
		phi DOUBLE,
		px DOUBLE,
		py DOUBLE,
		pz DOUBLE,
		e DOUBLE,
		btag BOOLEAN,
		tautag BOOLEAN,
		nconstituents INTEGER
	);
	CREATE TABLE IF NOT EXISTS metadata (
		key VARCHAR PRIMARY KEY,
		value VARCHAR
	);
`

// DuckDBWriter writes ntuple rows into a DuckDB database file with an
// events table and a jets table keyed by entry.
type DuckDBWriter struct {
	cfg        Config
	outputPath string
	db         *sql.DB

	tx        *sql.Tx
	eventStmt *sql.Stmt
	jetStmt   *sql.Stmt
	pending   int

	mu               sync.Mutex
	totalRowsWritten int64
	closed           bool
}

// NewDuckDBWriter creates or opens the database at path.
func NewDuckDBWriter(path string, cfg Config) (*DuckDBWriter, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeDuckDB, "open duckdb").WithContext("path", path)
	}

	if _, err := db.Exec(duckdbSchema); err != nil {
		db.Close()
		return nil, jerrors.Wrap(err, jerrors.CodeDuckDB, "create tables").WithContext("path", path)
	}

	w := &DuckDBWriter{
		cfg:        cfg,
		outputPath: path,
		db:         db,
	}
	if err := w.writeMetadata(cfg.Metadata); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *DuckDBWriter) writeMetadata(md map[string]string) error {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := w.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, k, md[k]); err != nil {
			return jerrors.Wrapf(err, jerrors.CodeDuckDB, "write metadata %q", k)
		}
	}
	return nil
}

// Name returns the format name.
func (w *DuckDBWriter) Name() string {
	return string(FormatDuckDB)
}

// begin opens the batch transaction and its statements.
func (w *DuckDBWriter) begin(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return jerrors.Wrap(err, jerrors.CodeDuckDB, "begin transaction")
	}
	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (entry, gen_njets, gen_nbjets, gen_ntaujets, reco_njets, reco_nbjets, reco_ntaujets)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return jerrors.Wrap(err, jerrors.CodeDuckDB, "prepare event insert")
	}
	jetStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jets (entry, collection, idx, pt, eta, phi, px, py, pz, e, btag, tautag, nconstituents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		eventStmt.Close()
		tx.Rollback()
		return jerrors.Wrap(err, jerrors.CodeDuckDB, "prepare jet insert")
	}
	w.tx, w.eventStmt, w.jetStmt = tx, eventStmt, jetStmt
	return nil
}

// WriteRow implements RowWriter. Rows are inserted immediately and
// committed every BatchSize rows.
func (w *DuckDBWriter) WriteRow(ctx context.Context, row *Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("duckdb writer is closed")
	}
	if w.tx == nil {
		if err := w.begin(ctx); err != nil {
			return err
		}
	}

	_, err := w.eventStmt.ExecContext(ctx, row.Entry,
		row.Gen.Jets, row.Gen.BJets, row.Gen.TauJets,
		row.Reco.Jets, row.Reco.BJets, row.Reco.TauJets,
	)
	if err != nil {
		w.rollback()
		return jerrors.Wrapf(err, jerrors.CodeDuckDB, "insert event %d", row.Entry)
	}

	for _, coll := range []model.Collection{model.Truth, model.Reco} {
		for _, j := range row.Jets(coll) {
			_, err := w.jetStmt.ExecContext(ctx, row.Entry, coll.String(), j.Index,
				j.PT, j.Eta, j.Phi, j.P4.Px, j.P4.Py, j.P4.Pz, j.P4.E,
				j.BTag, j.TauTag, j.NConstituents,
			)
			if err != nil {
				w.rollback()
				return jerrors.Wrapf(err, jerrors.CodeDuckDB, "insert %s jet %d of event %d", coll, j.Index, row.Entry)
			}
		}
	}

	w.pending++
	if w.pending >= w.cfg.BatchSize {
		return w.commit()
	}
	return nil
}

func (w *DuckDBWriter) commit() error {
	if w.tx == nil {
		return nil
	}
	w.eventStmt.Close()
	w.jetStmt.Close()
	err := w.tx.Commit()
	w.tx = nil
	if err != nil {
		w.pending = 0
		return jerrors.Wrap(err, jerrors.CodeDuckDB, "commit transaction")
	}
	w.totalRowsWritten += int64(w.pending)
	w.pending = 0
	return nil
}

func (w *DuckDBWriter) rollback() {
	if w.tx == nil {
		return
	}
	w.eventStmt.Close()
	w.jetStmt.Close()
	w.tx.Rollback()
	w.tx = nil
	w.pending = 0
}

// Close commits pending rows and closes the database.
func (w *DuckDBWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.commit(); err != nil {
		w.db.Close()
		return err
	}
	return w.db.Close()
}

// RowsWritten returns the number of committed rows.
func (w *DuckDBWriter) RowsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRowsWritten
}
