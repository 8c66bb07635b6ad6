package logs

import (
	"encoding/json"
	"strings"

	"headless/internal/logging"
)

// Filter selects log lines by structured field. Empty fields match anything.
type Filter struct {
	WalletID  string
	EventType string
}

func (f Filter) empty() bool {
	return f.WalletID == "" && f.EventType == ""
}

// Match reports whether line carries every requested field value.
func (f Filter) Match(line string) bool {
	if f.empty() {
		return true
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var record map[string]any
		if err := json.Unmarshal([]byte(trimmed), &record); err == nil {
			return jsonField(record, logging.FieldWalletID, f.WalletID) &&
				jsonField(record, logging.FieldEventType, f.EventType)
		}
	}
	return consoleField(line, logging.FieldWalletID, f.WalletID) &&
		consoleField(line, logging.FieldEventType, f.EventType)
}

func jsonField(record map[string]any, key, want string) bool {
	if want == "" {
		return true
	}
	got, ok := record[key].(string)
	return ok && got == want
}

// consoleField looks for a whole key=value token as the console handler
// writes it.
func consoleField(line, key, want string) bool {
	if want == "" {
		return true
	}
	for _, token := range strings.Fields(line) {
		k, v, ok := strings.Cut(token, "=")
		if ok && k == key && strings.Trim(v, `"`) == want {
			return true
		}
	}
	return false
}
