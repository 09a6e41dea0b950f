// Package logpipeline captures container log frames, classifies them,
// and fans them out to independent backends, per spec.md §4.5.
package logpipeline

import (
	"bytes"
	"strings"

	"github.com/zemfyre/edge-agent/internal/model"
)

// classify trims a raw log payload and assigns a level. Explicit markers
// take precedence over the stderr/stdout default; an empty payload after
// trimming classifies as (_, false) and the caller drops it.
func classify(payload []byte, isStdErr bool) (message string, level model.LogLevel, ok bool) {
	trimmed := strings.TrimRight(string(bytes.TrimSpace(payload)), "\r\n")
	if trimmed == "" {
		return "", "", false
	}

	if lvl, rest, found := stripMarker(trimmed); found {
		return rest, lvl, true
	}

	if isStdErr {
		return trimmed, model.LogWarn, true
	}
	return trimmed, model.LogInfo, true
}

// stripMarker recognizes a leading level marker ("[ERROR]", "ERROR:", and
// the warn/debug equivalents, case-insensitive) and returns the message
// with the marker removed.
func stripMarker(s string) (model.LogLevel, string, bool) {
	markers := []struct {
		prefixes []string
		level    model.LogLevel
	}{
		{[]string{"[error]", "error:"}, model.LogError},
		{[]string{"[warn]", "warn:"}, model.LogWarn},
		{[]string{"[debug]", "debug:"}, model.LogDebug},
	}

	lower := strings.ToLower(s)
	for _, m := range markers {
		for _, p := range m.prefixes {
			if strings.HasPrefix(lower, p) {
				rest := strings.TrimSpace(s[len(p):])
				return m.level, rest, true
			}
		}
	}
	return "", s, false
}
