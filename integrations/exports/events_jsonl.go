package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"thunderfuel/core/state"
)

// EventsJSONL builds a JSON Lines export of committed ledger events and
// returns the serialised payload alongside a SHA-256 checksum.
func EventsJSONL(records []state.EventRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if record.Event == nil {
			continue
		}
		attributes := record.Event.Attributes
		if attributes == nil {
			attributes = map[string]string{}
		}
		payload := map[string]interface{}{
			"sequence":   record.Sequence,
			"type":       record.Event.Type,
			"user":       subject(record),
			"amount":     amount(record),
			"attributes": attributes,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// subject is the participant an event concerns. Pool events name the
// authority instead.
func subject(record state.EventRecord) string {
	if user, ok := record.Event.Attributes["user"]; ok {
		return user
	}
	return record.Event.Attributes["authority"]
}

func amount(record state.EventRecord) string {
	if value, ok := record.Event.Attributes["amount"]; ok {
		return value
	}
	return "0"
}
