package uir

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/maestro/internal/models"
)

// Issue is one validation failure, addressed by its document path.
type Issue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// Path renders the loc segments as a dotted path.
func (i Issue) Path() string {
	parts := make([]string, 0, len(i.Loc))
	for _, seg := range i.Loc {
		parts = append(parts, fmt.Sprint(seg))
	}
	return strings.Join(parts, ".")
}

// ValidationError aggregates every issue found in a document, in
// document order. Structural issues suppress the semantic pass, which
// matches how callers see errors reported in batches.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "UIR validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if path := issue.Path(); path != "" {
			parts = append(parts, path+": "+issue.Msg)
			continue
		}
		parts = append(parts, issue.Msg)
	}
	return "UIR validation failed: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs the structural rules (validator tags plus the
// cross-field checks tags cannot express) and, when those pass, the
// semantic rule that every enabled module must be targeted.
func Validate(u *models.UIR) error {
	issues := structuralIssues(u)
	issues = append(issues, crossFieldIssues(u)...)
	if len(issues) == 0 {
		issues = semanticIssues(u)
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func structuralIssues(u *models.UIR) []Issue {
	err := validate.Struct(u)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{Msg: err.Error(), Type: "value_error"}}
	}
	issues := make([]Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, issueFromFieldError(fe))
	}
	return issues
}

func issueFromFieldError(fe validator.FieldError) Issue {
	loc := locFromNamespace(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return Issue{Loc: loc, Msg: "field required", Type: "value_error.missing"}
	case "eq":
		return Issue{
			Loc:  loc,
			Msg:  fmt.Sprintf("unexpected value; permitted: '%s'", fe.Param()),
			Type: "value_error.const",
		}
	case "min":
		if fe.Kind() == reflect.Slice {
			return Issue{
				Loc:  loc,
				Msg:  fmt.Sprintf("ensure this value has at least %s items", fe.Param()),
				Type: "value_error.list.min_items",
			}
		}
		return Issue{
			Loc:  loc,
			Msg:  fmt.Sprintf("ensure this value has at least %s characters", fe.Param()),
			Type: "value_error.any_str.min_length",
		}
	case "unique":
		return Issue{Loc: loc, Msg: "the list has duplicated items", Type: "value_error.list.unique_items"}
	case "gte":
		return Issue{
			Loc:  loc,
			Msg:  fmt.Sprintf("ensure this value is greater than or equal to %s", fe.Param()),
			Type: "value_error.number.not_ge",
		}
	case "lte":
		return Issue{
			Loc:  loc,
			Msg:  fmt.Sprintf("ensure this value is less than or equal to %s", fe.Param()),
			Type: "value_error.number.not_le",
		}
	default:
		return Issue{
			Loc:  loc,
			Msg:  fmt.Sprintf("failed %s validation", fe.Tag()),
			Type: "value_error",
		}
	}
}

// locFromNamespace converts a validator namespace like
// "UIR.modules.motion.fps" or "UIR.job.tags[0]" to path segments.
func locFromNamespace(ns string) []any {
	parts := strings.Split(ns, ".")
	if len(parts) > 0 && parts[0] == "UIR" {
		parts = parts[1:]
	}
	loc := make([]any, 0, len(parts))
	for _, part := range parts {
		name := part
		var indexes []any
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			end := strings.IndexByte(name[open:], ']')
			if end < 0 {
				break
			}
			idx, err := strconv.Atoi(name[open+1 : open+end])
			if err == nil {
				indexes = append(indexes, idx)
			}
			name = name[:open] + name[open+end+1:]
		}
		if name != "" {
			loc = append(loc, name)
		}
		loc = append(loc, indexes...)
	}
	return loc
}

// crossFieldIssues covers the rules validator tags cannot express:
// target membership, the equirectangular 2:1 resolution contract with
// its size bounds, and the enabled-music duration window.
func crossFieldIssues(u *models.UIR) []Issue {
	var issues []Issue
	for i, target := range u.Intent.Targets {
		if !knownModule(target) {
			issues = append(issues, Issue{
				Loc:  []any{"intent", "targets", i},
				Msg:  fmt.Sprintf("unknown module '%s'", target),
				Type: "value_error.unknown_target",
			})
		}
	}
	if res := u.Modules.Scene.Resolution; len(res) > 0 {
		loc := []any{"modules", "scene", "resolution"}
		switch {
		case len(res) != 2:
			issues = append(issues, Issue{
				Loc:  loc,
				Msg:  "resolution must be [width, height]",
				Type: "value_error.list",
			})
		case res[0] != 2*res[1]:
			issues = append(issues, Issue{
				Loc:  loc,
				Msg:  "resolution width must be 2x height",
				Type: "value_error.resolution_ratio",
			})
		case u.Modules.Scene.Enabled && (res[1] < 512 || res[1] > 2048):
			issues = append(issues, Issue{
				Loc:  loc,
				Msg:  "resolution height must be between 512 and 2048",
				Type: "value_error.resolution_bounds",
			})
		}
	}
	if u.Modules.Music.Enabled && u.Modules.Music.DurationS != nil {
		if d := *u.Modules.Music.DurationS; d < 3 || d > 60 {
			issues = append(issues, Issue{
				Loc:  []any{"modules", "music", "duration_s"},
				Msg:  "music duration_s must be between 3 and 60",
				Type: "value_error.number.not_in_range",
			})
		}
	}
	return issues
}

func semanticIssues(u *models.UIR) []Issue {
	var issues []Issue
	for _, name := range models.Modalities {
		if u.ModuleEnabled(name) && !u.Targeted(name) {
			issues = append(issues, Issue{
				Loc:  []any{"modules", name, "enabled"},
				Msg:  "enabled module must be listed in intent.targets",
				Type: "value_error.missing_target",
			})
		}
	}
	return issues
}

func knownModule(name string) bool {
	for _, known := range models.Modalities {
		if name == known {
			return true
		}
	}
	return false
}
