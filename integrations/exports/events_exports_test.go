package exports

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"thunderfuel/core/state"
	"thunderfuel/core/types"
)

func sampleRecords() []state.EventRecord {
	return []state.EventRecord{
		{Sequence: 1, Event: &types.Event{Type: "rewards.pool.initialized", Attributes: map[string]string{"authority": "tf1auth"}}},
		{Sequence: 2, Event: &types.Event{Type: "rewards.upload", Attributes: map[string]string{"user": "tf1alice", "amount": "20000000000", "sizeGb": "10"}}},
		{Sequence: 3},
	}
}

func TestEventsCSV(t *testing.T) {
	data, checksum, err := EventsCSV(sampleRecords())
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || len(checksum) != 64 {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, "sequence,type,user,amount,attributes\n") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "1,rewards.pool.initialized,tf1auth,0,") {
		t.Fatalf("missing pool row: %s", output)
	}
	if !strings.Contains(output, "2,rewards.upload,tf1alice,20000000000,") {
		t.Fatalf("missing upload row: %s", output)
	}
	if strings.Count(output, "\n") != 3 {
		t.Fatalf("expected header plus two rows: %s", output)
	}
}

func TestEventsJSONL(t *testing.T) {
	data, checksum, err := EventsJSONL(sampleRecords())
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, "\"sequence\":2") || !strings.Contains(output, "\"sizeGb\":\"10\"") {
		t.Fatalf("unexpected payload: %s", output)
	}

	again, sum2, err := EventsJSONL(sampleRecords())
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if !bytes.Equal(data, again) || checksum != sum2 {
		t.Fatalf("export must be deterministic")
	}
}

func TestWriteEventsParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	rows, err := WriteEventsParquet(path, sampleRecords())
	if err != nil {
		t.Fatalf("parquet: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows, got %d", rows)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("missing parquet magic")
	}
}
