package snapshot

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/driftlake/driftlake/pkg/fingerprint"
	"github.com/driftlake/driftlake/pkg/source"
)

// Metadata columns appended to csv and parquet payloads, which have no place
// for a document header.
const (
	colOperation  = "_cdc_operation"
	colTimestamp  = "_cdc_timestamp"
	colTable      = "_cdc_table"
	colDatasource = "_cdc_datasource"
)

type bucketDocument struct {
	TableName  string       `json:"table_name"`
	Datasource string       `json:"datasource"`
	Timestamp  string       `json:"timestamp"`
	Operation  string       `json:"operation"`
	Count      int          `json:"count"`
	Data       []source.Row `json:"data,omitempty"`
}

func bucketHeader(datasource, table, bucket string, count int, now time.Time) bucketDocument {
	return bucketDocument{
		TableName:  table,
		Datasource: datasource,
		Timestamp:  now.UTC().Format(time.RFC3339),
		Operation:  bucket,
		Count:      count,
	}
}

func encodeJSON(datasource, table, bucket string, rows []source.Row, now time.Time) ([]byte, error) {
	doc := bucketHeader(datasource, table, bucket, len(rows), now)
	doc.Data = rows
	return json.Marshal(doc)
}

func encodeCSV(datasource, table, bucket string, rows []source.Row, now time.Time) ([]byte, error) {
	cols := columnUnion(rows)
	ts := now.UTC().Format(time.RFC3339)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	header := append(append([]string{}, cols...), colOperation, colTimestamp, colTable, colDatasource)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	record := make([]string, 0, len(header))
	for _, row := range rows {
		record = record[:0]
		for _, col := range cols {
			record = append(record, fingerprint.Canonical(row[col]))
		}
		record = append(record, bucket, ts, table, datasource)
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeParquet lays the bucket out as one row group of nullable string
// columns. Values go through the same canonical rendering as fingerprints so
// the bytes on disk match what the engine hashed.
func encodeParquet(datasource, table, bucket string, rows []source.Row, now time.Time) ([]byte, error) {
	cols := columnUnion(rows)
	ts := now.UTC().Format(time.RFC3339)

	fields := make([]arrow.Field, 0, len(cols)+4)
	for _, col := range cols {
		fields = append(fields, arrow.Field{Name: col, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	for _, col := range []string{colOperation, colTimestamp, colTable, colDatasource} {
		fields = append(fields, arrow.Field{Name: col, Type: arrow.BinaryTypes.String})
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()
	for _, row := range rows {
		for i, col := range cols {
			fb := builder.Field(i).(*array.StringBuilder)
			if v, ok := row[col]; ok && v != nil {
				fb.Append(fingerprint.Canonical(v))
			} else {
				fb.AppendNull()
			}
		}
		for i, v := range []string{bucket, ts, table, datasource} {
			builder.Field(len(cols) + i).(*array.StringBuilder).Append(v)
		}
	}
	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(schema, &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
