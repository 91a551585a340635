// Package mirror exports completed tables from the local store to
// Parquet files for downstream analytical tooling.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"

	"github.com/kmcrae/tablefetch/internal/config"
	"github.com/kmcrae/tablefetch/internal/logging"
	"github.com/kmcrae/tablefetch/internal/store"
)

// batchRows is how many rows accumulate in the Arrow builder before a
// record batch is flushed to the Parquet writer.
const batchRows = 8192

// Writer mirrors tables to Parquet files under a directory.
type Writer struct {
	dir    string
	props  *parquet.WriterProperties
	logger zerolog.Logger
}

// New creates a mirror writer from configuration.
func New(cfg config.MirrorConfig) (*Writer, error) {
	codec, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	return &Writer{
		dir:    cfg.Dir,
		props:  parquet.NewWriterProperties(parquet.WithCompression(codec)),
		logger: logging.NewLogger("mirror"),
	}, nil
}

func codecFor(name string) (compress.Compression, error) {
	switch name {
	case "snappy", "":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "none":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// MirrorTable reads the whole table through a read lease and writes
// <dir>/<table>.parquet, replacing any previous mirror atomically.
// It returns the written file path and row count.
func (w *Writer) MirrorTable(ctx context.Context, mgr *store.Manager, table string) (string, int64, error) {
	if err := store.CheckIdent(table); err != nil {
		return "", 0, err
	}

	lease, err := mgr.Acquire(ctx, store.ModeRead, "mirror:"+table)
	if err != nil {
		return "", 0, fmt.Errorf("acquiring read lease for mirror: %w", err)
	}
	defer lease.Release()

	rows, err := lease.QueryContext(ctx, "SELECT * FROM "+store.QuoteIdent(table))
	if err != nil {
		return "", 0, fmt.Errorf("reading %s for mirror: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("inspecting %s columns: %w", table, err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return "", 0, fmt.Errorf("inspecting %s column types: %w", table, err)
	}

	schema := arrowSchema(cols, colTypes)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	tmp, err := os.CreateTemp(w.dir, table+".parquet.tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating mirror temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { tmp.Close(); os.Remove(tmpName) }

	fw, err := pqarrow.NewFileWriter(schema, tmp, w.props, pqarrow.DefaultWriterProps())
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("creating parquet writer: %w", err)
	}

	var total int64
	pending := 0
	scan := make([]any, len(cols))
	for i := range scan {
		scan[i] = new(any)
	}

	flush := func() error {
		if pending == 0 {
			return nil
		}
		rec := builder.NewRecord()
		defer rec.Release()
		pending = 0
		return fw.Write(rec)
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", 0, err
		}
		if err := rows.Scan(scan...); err != nil {
			cleanup()
			return "", 0, fmt.Errorf("scanning %s row: %w", table, err)
		}
		for i := range scan {
			appendValue(builder.Field(i), *(scan[i].(*any)))
		}
		total++
		if pending++; pending >= batchRows {
			if err := flush(); err != nil {
				cleanup()
				return "", 0, fmt.Errorf("writing parquet batch: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("reading %s: %w", table, err)
	}
	if err := flush(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("writing parquet batch: %w", err)
	}

	if err := fw.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("closing parquet writer: %w", err)
	}
	// fw.Close above already closes the underlying sink, so the temp
	// file is usually closed by the time we get here (review F7).
	if err := tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("closing mirror temp file: %w", err)
	}

	final := filepath.Join(w.dir, table+".parquet")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("replacing mirror file: %w", err)
	}

	w.logger.Info().
		Str("table", table).
		Str("file", final).
		Int64("rows", total).
		Msg("table mirrored to parquet")
	return final, total, nil
}

// arrowSchema maps SQLite column affinities onto Arrow types. SQLite
// columns are dynamically typed, so everything non-numeric lands on
// string. NUMERIC columns may hold a mix of integers and floats, so
// they map to Float64; integral values above 2^53 lose precision in
// the mirror (the store itself keeps them exact).
func arrowSchema(cols []string, colTypes []*sql.ColumnType) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		var dt arrow.DataType
		switch colTypes[i].DatabaseTypeName() {
		case "INTEGER":
			dt = arrow.PrimitiveTypes.Int64
		case "REAL", "NUMERIC":
			dt = arrow.PrimitiveTypes.Float64
		default:
			dt = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: c, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch fb := b.(type) {
	case *array.Int64Builder:
		switch t := v.(type) {
		case int64:
			fb.Append(t)
		case float64:
			fb.Append(int64(t))
		default:
			fb.AppendNull()
		}
	case *array.Float64Builder:
		switch t := v.(type) {
		case float64:
			fb.Append(t)
		case int64:
			fb.Append(float64(t))
		default:
			fb.AppendNull()
		}
	case *array.StringBuilder:
		switch t := v.(type) {
		case string:
			fb.Append(t)
		case []byte:
			fb.Append(string(t))
		default:
			fb.Append(fmt.Sprintf("%v", t))
		}
	default:
		b.AppendNull()
	}
}
