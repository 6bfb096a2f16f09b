package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"thunderfuel/core/state"
)

// EventsCSV builds a CSV export of committed ledger events and returns the
// serialised data alongside a SHA-256 checksum of the payload. Event-specific
// attributes are carried as a JSON object in the last column.
func EventsCSV(records []state.EventRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "type", "user", "amount", "attributes"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		if record.Event == nil {
			continue
		}
		attributes, err := json.Marshal(record.Event.Attributes)
		if err != nil {
			return nil, "", err
		}
		row := []string{
			strconv.FormatUint(record.Sequence, 10),
			record.Event.Type,
			subject(record),
			amount(record),
			string(attributes),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
