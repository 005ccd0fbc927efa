package lineage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moolen/lineagectx/internal/models"
)

// ContextOrigin says where a fragment's context id came from.
type ContextOrigin string

const (
	OriginFragmentMetadata ContextOrigin = "fragment_metadata"
	OriginEventMetadata    ContextOrigin = "event_metadata"
	OriginFilename         ContextOrigin = "filename"
	OriginNone             ContextOrigin = "none"
)

// inferredPrefix marks context ids reconstructed from a file name.
const inferredPrefix = "inferred_"

// ContextGetter looks up a stored execution context.
type ContextGetter interface {
	GetContext(ctx context.Context, contextID string) (*models.ExecutionContext, error)
}

// FragmentContext is the originating context resolved for one fragment.
type FragmentContext struct {
	Source    string                 `json:"source"`
	ContextID string                 `json:"context_id,omitempty"`
	Kind      models.EnvironmentKind `json:"environment_kind"`
	UserID    string                 `json:"user_id,omitempty"`
	// Extracted is when the fragment was produced; zero when unknown.
	Extracted time.Time     `json:"extracted_at"`
	Origin    ContextOrigin `json:"origin"`
	// FromStore is set when the stored context filled in missing fields.
	FromStore        bool   `json:"from_store,omitempty"`
	ExtractorVersion string `json:"extractor_version,omitempty"`
}

// Found reports whether any context id was resolved.
func (c *FragmentContext) Found() bool { return c.ContextID != "" }

// Inferred reports whether the id is a low-confidence guess from a file name.
func (c *FragmentContext) Inferred() bool { return c.Origin == OriginFilename }

// resolveContext finds the context of a fragment: fragment metadata first,
// then per-event metadata, then a time stamp embedded in the fragment path.
// Explicit ids are enriched from the store when one is available.
func resolveContext(ctx context.Context, source string, f *models.Fragment, ex *Extraction, store ContextGetter, now time.Time) FragmentContext {
	fc := FragmentContext{
		Source:           source,
		Kind:             models.EnvUnknown,
		Origin:           OriginNone,
		ExtractorVersion: f.Metadata.ExtractorVersion,
	}

	embedded := f.Metadata.ExecutionContext
	if embedded != nil && embedded.ContextID != "" {
		fc.Origin = OriginFragmentMetadata
	} else {
		embedded = firstEventContext(f.Events)
		if embedded != nil {
			fc.Origin = OriginEventMetadata
		}
	}

	if embedded != nil {
		fc.ContextID = embedded.ContextID
		fc.Kind = embedded.Kind()
		fc.UserID = embedded.UserID
		if t, ok := ParseTimestamp(embedded.Timestamp, now); ok {
			fc.Extracted = t
		}
		if store != nil && (fc.Kind == models.EnvUnknown || fc.UserID == "" || fc.Extracted.IsZero()) {
			if stored, err := store.GetContext(ctx, fc.ContextID); err == nil && stored != nil {
				fc.FromStore = true
				if fc.Kind == models.EnvUnknown {
					fc.Kind = stored.EnvironmentKind
				}
				if fc.UserID == "" {
					fc.UserID = stored.UserID
				}
				if fc.Extracted.IsZero() {
					fc.Extracted = stored.Timestamp
				}
			}
		}
	} else if stamp, t, ok := timestampFromPath(f.Path); ok {
		fc.Origin = OriginFilename
		fc.ContextID = inferredPrefix + stamp
		fc.Extracted = t
	}

	// The extraction time stamp wins over the context's creation time.
	if t, ok := ParseTimestamp(f.Metadata.ExtractionTimestamp, now); ok {
		fc.Extracted = t
	} else if fc.Extracted.IsZero() && !ex.LatestEvent.IsZero() {
		fc.Extracted = ex.LatestEvent
	}
	return fc
}

// firstEventContext returns the first embedded context found in the events.
// Malformed events are ignored here; extraction already counted them.
func firstEventContext(events []json.RawMessage) *models.EmbeddedContext {
	for _, raw := range events {
		var ev struct {
			Metadata *models.EventMetadata `json:"_metadata"`
		}
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		if ev.Metadata != nil && ev.Metadata.ExecutionContext != nil && ev.Metadata.ExecutionContext.ContextID != "" {
			return ev.Metadata.ExecutionContext
		}
	}
	return nil
}
