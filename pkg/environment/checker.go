// Package environment validates that a dependency's required environment
// variables are present and look like real values rather than leftover
// template placeholders.
package environment

import (
	"os"
	"strings"

	"github.com/casys-ai/cer/pkg/cererr"
)

// Status is the outcome of checking a single environment variable name.
type Status string

const (
	// Present means the variable is set to a value that does not look like
	// a placeholder.
	Present Status = "present"
	// Missing means the variable is unset or set to the empty string.
	Missing Status = "missing"
	// Placeholder means the variable is set but its value matches one of
	// the known template-placeholder shapes, so it should be treated as
	// unconfigured for the purposes of human-in-the-loop review.
	Placeholder Status = "placeholder"
)

// placeholderTokens are substrings that, once the value is lower-cased and
// stripped of hyphens/underscores, mark it as a template leftover rather
// than a real credential.
var placeholderTokens = []string{
	"xxx",
	"yourkey",
	"todo",
	"changeme",
	"placeholder",
	"testkey",
	"fakekey",
	"example",
	"inserthere",
	"replaceme",
}

// normalize folds case and strips hyphens/underscores so "your-key",
// "YOUR_KEY" and "yourkey" are all recognized as the same placeholder
// shape.
func normalize(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "-", "")
	value = strings.ReplaceAll(value, "_", "")
	return value
}

// isPlaceholder reports whether value looks like a template leftover: the
// bracketed "<...>" shape, or one of the known placeholder tokens.
func isPlaceholder(value string) bool {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
		return true
	}
	norm := normalize(trimmed)
	for _, token := range placeholderTokens {
		if strings.Contains(norm, token) {
			return true
		}
	}
	return false
}

// Check reports the Status of a single environment variable name, reading
// its current value from the process environment.
func Check(name string) Status {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return Missing
	}
	if isPlaceholder(value) {
		return Placeholder
	}
	return Present
}

// Result is the per-variable outcome returned by Validate.
type Result struct {
	Name   string
	Status Status
}

// Validate checks every name in required and returns a cererr.EnvMissing
// error naming the first missing variable, or nil if every name resolves
// to Present or Placeholder (placeholders are surfaced to the caller via
// the returned []Result so a human-in-the-loop flow can ask the user to
// confirm, but they do not themselves fail Validate).
func Validate(required []string) ([]Result, error) {
	results := make([]Result, 0, len(required))
	for _, name := range required {
		status := Check(name)
		results = append(results, Result{Name: name, Status: status})
		if status == Missing {
			return results, cererr.New(cererr.EnvMissing, "required environment variable is not set", map[string]any{
				"variable": name,
			})
		}
	}
	return results, nil
}

// NeedsReview reports whether any of results contains a Placeholder entry,
// meaning the dependency should not be auto-approved without human
// confirmation even though every required name is technically set.
func NeedsReview(results []Result) bool {
	for _, r := range results {
		if r.Status == Placeholder {
			return true
		}
	}
	return false
}
