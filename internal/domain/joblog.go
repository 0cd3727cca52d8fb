package domain

import "encoding/json"

// DecodeJobLogs normalizes the stored log column to an ordered list.
//
// Rows written before the log column became an array hold a single object
// (or a bare string); those are wrapped into a one-entry list so callers
// always see []JobLogEntry. New writes always store an array.
func DecodeJobLogs(raw []byte) []JobLogEntry {
	if len(raw) == 0 {
		return nil
	}
	var list []JobLogEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single JobLogEntry
	if err := json.Unmarshal(raw, &single); err == nil && single.Message != "" {
		return []JobLogEntry{single}
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
		return []JobLogEntry{{Message: msg}}
	}
	return nil
}

// EncodeJobLogs serializes a log list for storage. A nil list encodes as an
// empty array, never null, so readers can rely on the array shape going forward.
func EncodeJobLogs(logs []JobLogEntry) ([]byte, error) {
	if logs == nil {
		logs = []JobLogEntry{}
	}
	return json.Marshal(logs)
}
