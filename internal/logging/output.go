package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	outputMu sync.Mutex
	stdout   io.Writer = os.Stdout
	stderr   io.Writer = os.Stderr
)

// SetOutput redirects log output. ERROR and FATAL lines go to errW, the rest to outW.
// Passing nil keeps the current writer.
func SetOutput(outW, errW io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if outW != nil {
		stdout = outW
	}
	if errW != nil {
		stderr = errW
	}
}

// writeLog renders "[ts] [LEVEL] name: msg | k=v ..." with keys sorted so
// lines are stable across runs.
func (l *Logger) writeLog(level LogLevel, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s: %s", GetTimestamp(), level, l.name, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	outputMu.Lock()
	defer outputMu.Unlock()
	if level >= ERROR {
		_, _ = io.WriteString(stderr, b.String())
		return
	}
	_, _ = io.WriteString(stdout, b.String())
}

func (l *Logger) merged(extra []LogField) map[string]interface{} {
	contextFields := extractContextFields(l.ctx)
	if contextFields == nil && len(l.fields) == 0 && len(extra) == 0 {
		return nil
	}

	out := make(map[string]interface{}, len(contextFields)+len(l.fields)+len(extra))
	for k, v := range contextFields {
		out[k] = v
	}
	for k, v := range l.fields {
		out[k] = v
	}
	for _, f := range extra {
		out[f.Key] = f.Value
	}
	return out
}

// GetTimestamp returns the current time in RFC3339.
// LOG_TIMESTAMP overrides it for deterministic test output.
func GetTimestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
