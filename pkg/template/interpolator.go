// Package template resolves {{key}} placeholders in workflow config
// strings, in two phases: an eager load-time pass over user-supplied
// variables, and a deferred execution-time pass over step outputs.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

// placeholderPattern matches {{key}} where key is [\w][\w.\-]*, optionally
// followed by a gojq filter introduced by a pipe, e.g. {{steps.plan.output | .field}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w][\w.\-]*)(?:\s*\|\s*([^}]+?))?\s*\}\}`)

const stepsPrefix = "steps."

// StepRehydrator reads a step's persisted output from disk when it is
// not present in the in-memory outputs map (e.g. after a process
// restart). It returns ("", false) if no such output exists.
type StepRehydrator func(stepName string) (string, bool)

// Interpolator resolves {{...}} placeholders against a two-tier context:
// load-time variables (resolved once, eagerly) and step outputs
// (resolved per-step, deferred).
type Interpolator struct {
	rehydrate StepRehydrator
}

// New creates an Interpolator. rehydrate may be nil, in which case a
// missing in-memory step output is simply left unresolved.
func New(rehydrate StepRehydrator) *Interpolator {
	return &Interpolator{rehydrate: rehydrate}
}

// InterpolateLoadTime replaces every {{key}} in s except keys starting
// with "steps." (those are deferred to execution time). vars is walked
// by dot-path via a compiled gojq query. An unresolved placeholder is a
// TemplateError.
func (it *Interpolator) InterpolateLoadTime(s string, vars map[string]interface{}, context string) (string, error) {
	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := placeholderPattern.FindStringSubmatch(match)
		key := groups[1]
		if strings.HasPrefix(key, stepsPrefix) {
			return match // deferred
		}

		val, ok, err := lookupDotPath(vars, key)
		if err != nil {
			firstErr = &relayerrors.TemplateError{Key: key, Context: context}
			return match
		}
		if !ok {
			firstErr = &relayerrors.TemplateError{Key: key, Context: context}
			return match
		}
		return stringify(val)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// InterpolateStepTask replaces {{steps.<name>.output}} (and the extended
// {{steps.<name>.output | .field}} gojq-filter form) in a step's task,
// sourcing from the in-memory outputs map. Any placeholder that cannot
// be resolved — including non-"steps." placeholders accidentally left
// over — is left literal, since it may be intended verbatim for the agent.
func (it *Interpolator) InterpolateStepTask(task string, outputs map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(task, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		key, filter := groups[1], groups[2]
		if !strings.HasPrefix(key, stepsPrefix) {
			return match
		}

		stepName, field := splitStepKey(key)
		if field != "output" {
			return match
		}

		output, ok := outputs[stepName]
		if !ok && it.rehydrate != nil {
			output, ok = it.rehydrate(stepName)
		}
		if !ok {
			return match
		}

		if filter == "" {
			return output
		}

		filtered, err := runGojqFilter(filter, output)
		if err != nil {
			return match
		}
		return filtered
	})
}

// splitStepKey splits "steps.<name>.output" into ("<name>", "output").
func splitStepKey(key string) (string, string) {
	rest := strings.TrimPrefix(key, stepsPrefix)
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx+1:]
}

// lookupDotPath resolves a dot-path key against a nested map using a
// compiled gojq query. Returns ok=false if any segment is missing.
func lookupDotPath(vars map[string]interface{}, key string) (interface{}, bool, error) {
	query, err := gojq.Parse("." + key)
	if err != nil {
		return nil, false, fmt.Errorf("invalid template key %q: %w", key, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, false, fmt.Errorf("invalid template key %q: %w", key, err)
	}

	iter := code.Run(map[string]interface{}(vars))
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// runGojqFilter applies a gojq filter (e.g. ".field") to a step output
// assumed to be JSON-shaped. If the output is not valid JSON, the filter
// cannot apply and an error is returned.
func runGojqFilter(filter, output string) (string, error) {
	var data interface{}
	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return "", err
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return "", err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return "", err
	}

	iter := code.Run(data)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("gojq filter %q produced no result", filter)
	}
	if err, isErr := v.(error); isErr {
		return "", err
	}
	return stringify(v), nil
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
