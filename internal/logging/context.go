package logging

import "context"

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key under which a trace id is stored.
func TraceIDKey() interface{} {
	return traceIDKey
}

// SpanIDKey returns the context key under which a span id is stored.
func SpanIDKey() interface{} {
	return spanIDKey
}

// ContextWithTrace stores trace and span ids so loggers created WithContext pick them up.
func ContextWithTrace(ctx context.Context, traceID, spanID string) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if spanID != "" {
		ctx = context.WithValue(ctx, spanIDKey, spanID)
	}
	return ctx
}

func extractContextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	var fields map[string]interface{}
	for _, key := range []contextKey{traceIDKey, spanIDKey} {
		if v := ctx.Value(key); v != nil {
			if fields == nil {
				fields = make(map[string]interface{}, 2)
			}
			fields[string(key)] = v
		}
	}
	return fields
}
