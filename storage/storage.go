// Package storage is the ingestion boundary: it reads the raw marketplace
// tables from a Source into a table store, and writes snapshots and
// exports.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/custfeat/db"
)

const (
	extIPC = ".arrow"
	extCSV = ".csv"
)

// Loader reads tables from a Source. A table is read from <name>.arrow when
// present, otherwise from <name>.csv.
type Loader struct {
	src     Source
	mem     memory.Allocator
	logger  *zap.Logger
	workers int
}

// NewLoader creates a loader reading up to four tables at a time.
func NewLoader(src Source, mem memory.Allocator, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{src: src, mem: mem, logger: logger, workers: 4}
}

// Required lists the tables the feature pipeline reads.
func Required() []string {
	names := make([]string, 0, len(db.Schemas))
	for name := range db.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the named tables (all declared tables when none are given)
// into a new store. Tables absent from the source are skipped; consumers
// see them as missing tables.
func (l *Loader) Load(ctx context.Context, names ...string) (*db.Store, error) {
	if len(names) == 0 {
		names = Required()
	}
	files, err := l.src.List(ctx)
	if err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(files))
	for _, f := range files {
		available[f] = true
	}

	var (
		mu     sync.Mutex
		tables = make(map[string]arrow.Record, len(names))
	)
	defer func() {
		for _, rec := range tables {
			rec.Release()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for _, name := range names {
		var file string
		switch {
		case available[name+extIPC]:
			file = name + extIPC
		case available[name+extCSV]:
			file = name + extCSV
		default:
			l.logger.Warn("Table not found in source", zap.String("table", name))
			continue
		}
		g.Go(func() error {
			start := time.Now()
			rec, err := l.readTable(gctx, name, file)
			if err != nil {
				return fmt.Errorf("table %s: %w", name, err)
			}
			l.logger.Info("Loaded table",
				zap.String("table", name),
				zap.String("file", file),
				zap.Int64("rows", rec.NumRows()),
				zap.Duration("elapsed", time.Since(start)))
			mu.Lock()
			tables[name] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return db.NewStore(tables), nil
}

func (l *Loader) readTable(ctx context.Context, name, file string) (arrow.Record, error) {
	data, err := l.src.Read(ctx, file)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(file) == extIPC {
		return ReadIPC(l.mem, bytes.NewReader(data))
	}
	return ReadCSV(l.mem, bytes.NewReader(data), name)
}

// ReadCSV parses a headed CSV file into one record. Columns declared for
// table in db.Schemas keep their declared type; the rest are inferred.
// Empty cells are null.
func ReadCSV(mem memory.Allocator, r io.Reader, table string) (arrow.Record, error) {
	opts := []csv.Option{
		csv.WithHeader(true),
		csv.WithChunk(-1),
		csv.WithNullReader(true, ""),
		csv.WithAllocator(mem),
	}
	if declared, ok := db.Schemas[table]; ok {
		types := make(map[string]arrow.DataType, declared.Schema.NumFields())
		for _, f := range declared.Schema.Fields() {
			types[f.Name] = f.Type
		}
		opts = append(opts, csv.WithColumnTypes(types))
	}

	reader := csv.NewInferringReader(r, opts...)
	defer reader.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(recs) == 0 {
		return nil, errors.New("empty CSV")
	}
	return concat(mem, recs)
}

// ReadIPC reads every batch of an Arrow IPC file into one record.
func ReadIPC(mem memory.Allocator, r ipc.ReadAtSeeker) (arrow.Record, error) {
	reader, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	recs := make([]arrow.Record, 0, reader.NumRecords())
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.RecordAt(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d from file: %w", i, err)
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return emptyRecord(mem, reader.Schema()), nil
	}
	return concat(mem, recs)
}

// concat joins batches sharing a schema into one record.
func concat(mem memory.Allocator, recs []arrow.Record) (arrow.Record, error) {
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}
	schema := recs[0].Schema()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	var rows int64
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	for i := range cols {
		parts := make([]arrow.Array, len(recs))
		for j, rec := range recs {
			parts[j] = rec.Column(i)
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, rows), nil
}

func emptyRecord(mem memory.Allocator, schema *arrow.Schema) arrow.Record {
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	return builder.NewRecord()
}

// ---------------------------------------------------------------------
// Snapshots and exports
// ---------------------------------------------------------------------

// WriteIPC writes rec as an Arrow IPC file.
func WriteIPC(w io.Writer, mem memory.Allocator, rec arrow.Record) error {
	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write record to Arrow file: %w", err)
	}
	return writer.Close()
}

// Snapshot writes every table of store to dir as <name>.arrow, which Loader
// prefers over CSV on the next load.
func Snapshot(store *db.Store, dir string, mem memory.Allocator) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dir, err)
	}
	for _, name := range store.Names() {
		rec, err := store.Get(name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+extIPC)
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create file %q: %w", path, err)
		}
		if err := WriteIPC(file, mem, rec); err != nil {
			_ = file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ExportCSV writes rec as CSV with a header row; nulls are empty cells.
func ExportCSV(w io.Writer, rec arrow.Record) error {
	writer := csv.NewWriter(w, rec.Schema(),
		csv.WithHeader(true),
		csv.WithNullWriter(""))
	if err := writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return writer.Error()
}
