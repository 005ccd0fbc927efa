// Package logging is the structured logger used across lineagectx.
//
// Initialize once at startup, then take a named logger per component:
//
//	logging.Initialize("info", map[string]string{"lineage.*": "debug"})
//	logger := logging.GetLogger("jobrun")
//	logger.InfoWithFields("validated candidate",
//	    logging.Field("job_run_id", runID),
//	    logging.Field("confidence", score),
//	)
//
// Loggers are immutable. WithField, WithFields and WithContext return copies,
// so a logger can be shared between goroutines without coordination.
// WithContext attaches trace_id and span_id values stored via ContextWithTrace.
//
// Per-package overrides match exact names ("lineage.merge") or wildcard
// prefixes ("lineage.*"); the longest matching pattern wins.
//
// Set LOG_TIMESTAMP to pin the timestamp in tests.
package logging

import (
	"context"
	"fmt"
	"os"
	"sync"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
	initOnce     sync.Once
	exitFunc     = os.Exit
)

// Initialize sets the default level and optional per-package overrides.
// Unknown level names fall back to INFO.
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	level, err := ParseLevel(levelStr)
	if err != nil {
		level = INFO
	}

	globalMu.Lock()
	globalLogger = &Logger{level: level, name: "lineagectx"}
	globalMu.Unlock()

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		if err := SetPackageLogLevels(packageLevels[0]); err != nil {
			return err
		}
	}
	return nil
}

// GetLogger returns a logger with the given name, initializing at INFO on first use.
func GetLogger(name string) *Logger {
	initOnce.Do(func() {
		globalMu.RLock()
		uninitialized := globalLogger == nil
		globalMu.RUnlock()
		if uninitialized {
			_ = Initialize("info")
		}
	})

	globalMu.RLock()
	level := globalLogger.level
	globalMu.RUnlock()

	return &Logger{
		level:  level,
		name:   name,
		fields: make(map[string]interface{}),
	}
}

// Name returns the logger name.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) shouldLog(level LogLevel) bool {
	if pkgLevel := GetPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	return level >= l.level
}

func (l *Logger) logf(level LogLevel, msg string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.writeLog(level, msg, l.merged(nil))
}

func (l *Logger) logFields(level LogLevel, msg string, fields []LogField) {
	if !l.shouldLog(level) {
		return
	}
	l.writeLog(level, msg, l.merged(fields))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.logf(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.logf(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.logf(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.logf(ERROR, msg, args...) }

// Fatal logs and exits with status 1.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.shouldLog(FATAL) {
		l.logf(FATAL, msg, args...)
		exitFunc(1)
	}
}

// ErrorWithErr logs msg with err appended.
func (l *Logger) ErrorWithErr(msg string, err error) {
	l.logFields(ERROR, msg, []LogField{Field("error", err)})
}

func (l *Logger) DebugWithFields(msg string, fields ...LogField) { l.logFields(DEBUG, msg, fields) }
func (l *Logger) InfoWithFields(msg string, fields ...LogField)  { l.logFields(INFO, msg, fields) }
func (l *Logger) WarnWithFields(msg string, fields ...LogField)  { l.logFields(WARN, msg, fields) }
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) { l.logFields(ERROR, msg, fields) }

// WithName returns a copy with a different name and no persistent fields.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{level: l.level, name: name, fields: make(map[string]interface{}), ctx: l.ctx}
}

// WithField returns a copy carrying one more persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	n := &Logger{level: l.level, name: l.name, fields: cloneFields(l.fields), ctx: l.ctx}
	n.fields[key] = value
	return n
}

// WithFields returns a copy carrying the given persistent fields.
func (l *Logger) WithFields(fields ...LogField) *Logger {
	n := &Logger{level: l.level, name: l.name, fields: cloneFields(l.fields), ctx: l.ctx}
	for _, f := range fields {
		n.fields[f.Key] = f.Value
	}
	return n
}

// WithContext returns a copy that reads trace_id/span_id from ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{level: l.level, name: l.name, fields: cloneFields(l.fields), ctx: ctx}
}
