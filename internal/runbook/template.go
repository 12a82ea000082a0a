package runbook

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Built-in template identifiers available in every resolution context.
const (
	// TemplateBatchID expands to the decimal batch id.
	TemplateBatchID = "_batch_id"

	// TemplateBatchStartTime expands to the batch start time in ISO-8601
	// UTC, or the current time when the batch has none (manual batches).
	TemplateBatchStartTime = "_batch_start_time"
)

// identifierPattern matches {{identifier}} references in step parameters.
var identifierPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

type (
	// TemplateContext carries everything a resolution needs. MemberData is
	// the member's attribute snapshot (data_json plus the system columns);
	// it is nil for init steps, which have no member context.
	TemplateContext struct {
		BatchID        int64
		BatchStartTime *time.Time
		Now            time.Time
		MemberData     map[string]string
	}

	// TemplateError reports identifiers a per-member resolution could not
	// satisfy. It is fatal for the affected step: the step fails with this
	// message and the phase continues for other members.
	TemplateError struct {
		Template   string
		Unresolved []string
	}
)

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q has unresolved identifiers: %s",
		e.Template, strings.Join(e.Unresolved, ", "))
}

// Resolve substitutes {{identifier}} references for a member-scoped step.
// Identifiers resolve, in order, to the built-ins, a member data column, or
// the same column with a leading underscore (matching the system-column
// convention). Null column values become empty strings. Any identifier that
// resolves nowhere makes the whole resolution fail with a *TemplateError.
func Resolve(template string, tc TemplateContext) (string, error) {
	var unresolved []string

	resolved := identifierPattern.ReplaceAllStringFunc(template, func(match string) string {
		identifier := identifierPattern.FindStringSubmatch(match)[1]

		value, ok := tc.lookup(identifier)
		if !ok {
			unresolved = append(unresolved, identifier)

			return match
		}

		return value
	})

	if len(unresolved) > 0 {
		return "", &TemplateError{Template: template, Unresolved: unresolved}
	}

	return resolved, nil
}

// ResolveInit substitutes {{identifier}} references for a batch-scoped init
// step. Init steps have no member context, so unresolved identifiers are
// left literally in place and logged rather than failing the step.
func ResolveInit(template string, tc TemplateContext, logger *slog.Logger) string {
	return identifierPattern.ReplaceAllStringFunc(template, func(match string) string {
		identifier := identifierPattern.FindStringSubmatch(match)[1]

		value, ok := tc.lookup(identifier)
		if !ok {
			logger.Warn("leaving unresolved identifier in init template",
				slog.String("template", template),
				slog.String("identifier", identifier),
			)

			return match
		}

		return value
	})
}

// ResolveParams resolves every parameter of a member-scoped step. The
// returned map is a fresh copy; the input is never mutated.
func ResolveParams(params map[string]string, tc TemplateContext) (map[string]string, error) {
	resolved := make(map[string]string, len(params))

	for key, template := range params {
		value, err := Resolve(template, tc)
		if err != nil {
			return nil, err
		}

		resolved[key] = value
	}

	return resolved, nil
}

// ResolveInitParams resolves every parameter of an init step, leaving
// unresolved identifiers literal.
func ResolveInitParams(params map[string]string, tc TemplateContext, logger *slog.Logger) map[string]string {
	resolved := make(map[string]string, len(params))

	for key, template := range params {
		resolved[key] = ResolveInit(template, tc, logger)
	}

	return resolved
}

func (tc *TemplateContext) lookup(identifier string) (string, bool) {
	switch identifier {
	case TemplateBatchID:
		return strconv.FormatInt(tc.BatchID, 10), true
	case TemplateBatchStartTime:
		if tc.BatchStartTime != nil {
			return tc.BatchStartTime.UTC().Format(time.RFC3339), true
		}

		return tc.Now.UTC().Format(time.RFC3339), true
	}

	if tc.MemberData == nil {
		return "", false
	}

	if value, ok := tc.MemberData[identifier]; ok {
		return value, true
	}

	// System columns are stored with a leading underscore; let templates
	// reference them without it.
	if value, ok := tc.MemberData["_"+identifier]; ok {
		return value, true
	}

	return "", false
}
