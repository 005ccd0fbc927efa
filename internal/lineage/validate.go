package lineage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/models"
)

// MappingQuerier finds stored job-run mappings by run id.
type MappingQuerier interface {
	QueryByRunID(ctx context.Context, runID string) ([]*models.JobExecutionMapping, error)
}

// contextFacts is the part of a context that compatibility looks at.
type contextFacts struct {
	label string
	id    string
	kind  models.EnvironmentKind
	user  string
	at    time.Time
}

func factsOf(fc FragmentContext) contextFacts {
	return contextFacts{label: fc.Source, id: fc.ContextID, kind: fc.Kind, user: fc.UserID, at: fc.Extracted}
}

func referenceFacts(ec *models.ExecutionContext) contextFacts {
	return contextFacts{label: "reference", id: ec.ContextID, kind: ec.EnvironmentKind, user: ec.UserID, at: ec.Timestamp}
}

// checkLedger accumulates pass credit and issues.
type checkLedger struct {
	passed float64
	total  int
	issues []models.ValidationIssue
}

func (l *checkLedger) pass(credit float64) {
	l.total++
	l.passed += credit
}

func (l *checkLedger) fail(issues ...models.ValidationIssue) {
	l.total++
	l.issues = append(l.issues, issues...)
}

func (l *checkLedger) note(issue models.ValidationIssue) {
	l.issues = append(l.issues, issue)
}

func (l *checkLedger) score() float64 {
	if l.total == 0 {
		return 0
	}
	return l.passed / float64(l.total)
}

// validator scores how well a set of fragments belongs together.
type validator struct {
	cfg      config.LineageConfig
	mappings MappingQuerier
	minVer   *version.Version
}

func newValidator(cfg config.LineageConfig, mappings MappingQuerier) (*validator, error) {
	v := &validator{cfg: cfg, mappings: mappings}
	if cfg.MinExtractorVersion != "" {
		mv, err := version.NewVersion(cfg.MinExtractorVersion)
		if err != nil {
			return nil, models.NewValidationError("invalid min_extractor_version %q: %v", cfg.MinExtractorVersion, err)
		}
		v.minVer = mv
	}
	return v, nil
}

// validate runs every check and builds the result. ref may be nil. A derived
// ref is one of the fragment contexts, so it is not checked against them again.
func (v *validator) validate(ctx context.Context, contexts []FragmentContext, extractions []*Extraction, ref *models.ExecutionContext, derived bool, now time.Time) *models.LineageValidationResult {
	var l checkLedger

	for _, fc := range contexts {
		v.checkContext(&l, fc)
	}
	if ref != nil && !derived {
		rf := referenceFacts(ref)
		for _, fc := range contexts {
			if !fc.Found() {
				continue
			}
			v.checkCompatible(&l, rf, factsOf(fc))
		}
	}
	for i := 0; i < len(contexts); i++ {
		for j := i + 1; j < len(contexts); j++ {
			if !contexts[i].Found() || !contexts[j].Found() {
				continue
			}
			v.checkCompatible(&l, factsOf(contexts[i]), factsOf(contexts[j]))
		}
	}
	for _, fc := range contexts {
		v.checkVersion(&l, fc)
	}
	for _, ex := range extractions {
		if ex.Summary.EventsSkipped > 0 {
			l.note(models.ValidationIssue{
				Kind:               models.IssueMalformedEvent,
				Severity:           models.SeverityLow,
				Description:        fmt.Sprintf("%d of %d %s events could not be parsed", ex.Summary.EventsSkipped, ex.Summary.EventsTotal, ex.Source),
				AffectedComponents: []string{ex.Source + "_lineage"},
				SuggestedFix:       "Inspect the collector output for truncated or invalid events",
			})
		}
	}

	refID := ""
	if ref != nil {
		refID = ref.ContextID
		v.checkMappings(ctx, &l, refID, extractions)
	}

	res := models.NewLineageValidationResult(refID, l.score(), l.issues, now)
	res.ChecksPassed = l.passed
	res.ChecksTotal = l.total
	res.IsValid = res.ConfidenceScore >= v.cfg.ValidThreshold && !res.HasCritical()
	return res
}

func (v *validator) checkContext(l *checkLedger, fc FragmentContext) {
	component := []string{fc.Source + "_lineage"}
	switch {
	case !fc.Found():
		l.fail(models.ValidationIssue{
			Kind:               models.IssueMissingContext,
			Severity:           models.SeverityHigh,
			Description:        fmt.Sprintf("No execution context found in %s lineage", fc.Source),
			AffectedComponents: component,
			SuggestedFix:       "Record the execution context in the fragment metadata when collecting lineage",
		})
	case fc.Inferred():
		l.pass(v.cfg.InferredContextCredit)
		l.note(models.ValidationIssue{
			Kind:               models.IssueLowConfidenceInference,
			Severity:           models.SeverityMedium,
			Description:        fmt.Sprintf("Context %s for %s lineage was inferred from the file name", fc.ContextID, fc.Source),
			AffectedComponents: component,
			SuggestedFix:       "Verify the fragment belongs to the expected execution",
		})
	default:
		l.pass(1)
	}
}

// checkCompatible counts one check per pair. Every failed condition becomes a
// critical issue, which blocks the merge.
func (v *validator) checkCompatible(l *checkLedger, a, b contextFacts) {
	components := []string{a.label, b.label}
	var issues []models.ValidationIssue

	if !a.at.IsZero() && !b.at.IsZero() {
		diff := a.at.Sub(b.at)
		if diff < 0 {
			diff = -diff
		}
		if window := v.cfg.CompatibilityWindow.Std(); diff > window {
			issues = append(issues, models.ValidationIssue{
				Kind:               models.IssueTimeInconsistency,
				Severity:           models.SeverityCritical,
				Description:        fmt.Sprintf("Contexts %s and %s are %s apart (limit %s)", a.id, b.id, diff.Round(time.Second), window),
				AffectedComponents: components,
				SuggestedFix:       "Merge fragments collected from the same execution window",
			})
		}
	}

	if a.kind != models.EnvUnknown && b.kind != models.EnvUnknown && !v.cfg.Compatible(a.kind, b.kind) {
		issues = append(issues, models.ValidationIssue{
			Kind:               models.IssueContextMismatch,
			Severity:           models.SeverityCritical,
			Description:        fmt.Sprintf("Environment kinds %s and %s cannot be merged", a.kind, b.kind),
			AffectedComponents: components,
			SuggestedFix:       "Verify both fragments come from the same pipeline",
		})
	}

	if a.user != "" && b.user != "" && a.user != b.user {
		issues = append(issues, models.ValidationIssue{
			Kind:               models.IssueContextMismatch,
			Severity:           models.SeverityCritical,
			Description:        fmt.Sprintf("User %s of %s does not match user %s of %s", a.user, a.label, b.user, b.label),
			AffectedComponents: components,
			SuggestedFix:       "Verify both fragments were produced by the same user",
		})
	}

	if len(issues) == 0 {
		l.pass(1)
		return
	}
	l.fail(issues...)
}

func (v *validator) checkVersion(l *checkLedger, fc FragmentContext) {
	if v.minVer == nil || fc.ExtractorVersion == "" {
		return
	}
	component := []string{fc.Source + "_lineage"}
	got, err := version.NewVersion(fc.ExtractorVersion)
	if err != nil {
		l.fail(models.ValidationIssue{
			Kind:               models.IssueVersionMismatch,
			Severity:           models.SeverityMedium,
			Description:        fmt.Sprintf("Unparseable extractor version %q in %s lineage", fc.ExtractorVersion, fc.Source),
			AffectedComponents: component,
			SuggestedFix:       "Regenerate the fragment with a released extractor",
		})
		return
	}
	if got.LessThan(v.minVer) {
		l.fail(models.ValidationIssue{
			Kind:               models.IssueVersionMismatch,
			Severity:           models.SeverityMedium,
			Description:        fmt.Sprintf("Extractor version %s of %s lineage is older than %s", got, fc.Source, v.minVer),
			AffectedComponents: component,
			SuggestedFix:       fmt.Sprintf("Upgrade the extractor to %s or later", v.minVer),
		})
		return
	}
	l.pass(1)
}

// checkMappings adds one check per job run id named by the fragments. It
// passes iff a stored mapping ties the run to refID.
func (v *validator) checkMappings(ctx context.Context, l *checkLedger, refID string, extractions []*Extraction) {
	if v.mappings == nil || refID == "" {
		return
	}
	seen := make(map[string]bool)
	var runIDs []string
	for _, ex := range extractions {
		for _, id := range ex.JobRunIDs {
			if !seen[id] {
				seen[id] = true
				runIDs = append(runIDs, id)
			}
		}
	}
	sort.Strings(runIDs)

	for _, runID := range runIDs {
		mappings, err := v.mappings.QueryByRunID(ctx, runID)
		if err != nil {
			l.fail(models.ValidationIssue{
				Kind:               models.IssueContextMismatch,
				Severity:           models.SeverityMedium,
				Description:        fmt.Sprintf("Job run %s could not be checked: %v", runID, err),
				AffectedComponents: []string{"job_mapping"},
				SuggestedFix:       "Check the mapping store and retry",
			})
			continue
		}

		contexts := make(map[string]bool)
		for _, m := range mappings {
			contexts[m.ContextID] = true
		}
		if len(contexts) > 1 {
			ids := make([]string, 0, len(contexts))
			for id := range contexts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			l.note(models.ValidationIssue{
				Kind:               models.IssueDuplicateMapping,
				Severity:           models.SeverityLow,
				Description:        fmt.Sprintf("Job run %s is mapped to %d contexts: %s", runID, len(ids), strings.Join(ids, ", ")),
				AffectedComponents: []string{"job_mapping"},
				SuggestedFix:       "Resolve the competing mappings",
			})
		}
		if contexts[refID] {
			l.pass(1)
			continue
		}
		l.fail(models.ValidationIssue{
			Kind:               models.IssueContextMismatch,
			Severity:           models.SeverityMedium,
			Description:        fmt.Sprintf("Job run %s has no mapping to context %s", runID, refID),
			AffectedComponents: []string{"job_mapping"},
			SuggestedFix:       fmt.Sprintf("Verify job run %s belongs to the correct execution context", runID),
		})
	}
}
