package builder

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/template"
)

var kebabPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterValidation("kebab", func(fl validator.FieldLevel) bool {
			return kebabPattern.MatchString(fl.Field().String())
		})
		validate.RegisterValidation("steptype", func(fl validator.FieldLevel) bool {
			return talkflow.StepType(fl.Field().String()).Known()
		})
	})
	return validate
}

// Validate checks the structure of a definition: kebab-case slug and step
// ids, known step types, unique ids and branch targets that name a later
// step. Placeholder references are checked by the engine at start.
func Validate(def *talkflow.WorkflowDefinition) error {
	if def == nil {
		return talkflow.NewConfigError("", "", "workflow definition is required", nil)
	}

	if err := validatorInstance().Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(def, verrs[0])
		}
		return talkflow.NewConfigError(def.Slug, "", "invalid definition", err)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.ID] {
			return talkflow.NewConfigError(def.Slug, step.ID, "duplicate step id", nil)
		}
		seen[step.ID] = true
		if step.Timeout < 0 {
			return talkflow.NewConfigError(def.Slug, step.ID, "timeout must not be negative", nil)
		}
	}

	return ValidateBranchTargets(def)
}

func fieldError(def *talkflow.WorkflowDefinition, fe validator.FieldError) error {
	step := ""
	ns := fe.Namespace()
	if i := strings.Index(ns, "Steps["); i >= 0 {
		var idx int
		if _, err := fmt.Sscanf(ns[i:], "Steps[%d]", &idx); err == nil && idx < len(def.Steps) {
			step = def.Steps[idx].ID
			if step == "" {
				step = fmt.Sprintf("#%d", idx)
			}
		}
	}

	var reason string
	switch fe.Tag() {
	case "required":
		reason = fmt.Sprintf("%s is required", strings.ToLower(fe.Field()))
	case "min":
		reason = fmt.Sprintf("%s needs at least %s entries", strings.ToLower(fe.Field()), fe.Param())
	case "kebab":
		reason = fmt.Sprintf("%s '%v' must be kebab-case", strings.ToLower(fe.Field()), fe.Value())
	case "steptype":
		reason = fmt.Sprintf("unknown step type '%v'", fe.Value())
	default:
		reason = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return talkflow.NewConfigError(def.Slug, step, reason, nil)
}

// ValidateBranchTargets ensures every literal skipTo names a later step.
// Placeholder targets are resolved and checked when the branch runs.
func ValidateBranchTargets(def *talkflow.WorkflowDefinition) error {
	for i, step := range def.Steps {
		if step.Type != talkflow.StepConditionalBranch {
			continue
		}
		target, _ := step.Config["skipTo"].(string)
		target = strings.TrimSpace(target)
		if target == "" || template.HasPlaceholders(target) {
			continue
		}
		idx := def.StepIndex(target)
		if idx < 0 {
			return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("skipTo '%s' is not a step of this workflow", target), nil)
		}
		if idx <= i {
			return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("skipTo '%s' must name a later step", target), nil)
		}
	}
	return nil
}

// subWorkflowTargets lists the literal workflow slugs a definition invokes
func subWorkflowTargets(def *talkflow.WorkflowDefinition) []string {
	var out []string
	for _, step := range def.Steps {
		if step.Type != talkflow.StepSubWorkflow {
			continue
		}
		slug, _ := step.Config["workflow"].(string)
		slug = strings.TrimSpace(slug)
		if slug != "" && !template.HasPlaceholders(slug) {
			out = append(out, slug)
		}
	}
	return out
}

// ValidateNoCycles checks that no workflow reaches itself through
// sub-workflow steps. Targets missing from defs are ignored.
func ValidateNoCycles(defs map[string]*talkflow.WorkflowDefinition) error {
	slugs := make([]string, 0, len(defs))
	for slug := range defs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var cycle func(string) []string
	cycle = func(slug string) []string {
		visited[slug] = true
		recStack[slug] = true
		path = append(path, slug)

		for _, next := range subWorkflowTargets(defs[slug]) {
			if _, ok := defs[next]; !ok {
				continue
			}
			if !visited[next] {
				if c := cycle(next); c != nil {
					return c
				}
			} else if recStack[next] {
				for i, s := range path {
					if s == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			}
		}

		recStack[slug] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, slug := range slugs {
		if !visited[slug] {
			if c := cycle(slug); c != nil {
				return talkflow.NewConfigError(c[0], "", fmt.Sprintf("sub-workflow cycle detected: %s", strings.Join(c, " -> ")), nil)
			}
		}
	}
	return nil
}
