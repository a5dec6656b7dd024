package ledger

import (
	"encoding/json"
	"strconv"
)

// Int64Field reads an integer from decoded log data. Entries read back from
// the store carry json.Number; entries built in memory carry Go integers.
func Int64Field(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// StringField reads a string from decoded log data.
func StringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
