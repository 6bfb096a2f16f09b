package exports

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"thunderfuel/core/state"
)

// Amounts are strings because parquet has no unsigned 64-bit physical type.
type parquetEvent struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	User       string `parquet:"name=user, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteEventsParquet writes records to a snappy-compressed parquet file at
// path and returns the number of rows written.
func WriteEventsParquet(path string, records []state.EventRecord) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	for _, record := range records {
		if record.Event == nil {
			continue
		}
		attributes, err := json.Marshal(record.Event.Attributes)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return rows, err
		}
		row := &parquetEvent{
			Sequence:   int64(record.Sequence),
			Type:       record.Event.Type,
			User:       subject(record),
			Amount:     amount(record),
			Attributes: string(attributes),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return rows, fmt.Errorf("exports: parquet write: %w", err)
		}
		rows++
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return rows, fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return rows, fmt.Errorf("exports: close parquet file: %w", err)
	}
	return rows, nil
}
