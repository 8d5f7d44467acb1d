// Package env provides environment variable expansion and lookup.
package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMissingEnv is returned when a required environment variable is unset or empty.
var ErrMissingEnv = errors.New("environment variable is not defined")

// ExpandWithMap expands $VAR and ${VAR} in c using the OS environment and the variables passed in env.
// Variables in env take precedence. To escape a dollar sign, pass in two dollar signs.
func ExpandWithMap(c string, env map[string]string) string {
	// expand $$ -> $
	fullEnv := map[string]string{
		"$": "$",
	}

	for _, envVar := range os.Environ() {
		splitVar := strings.SplitN(envVar, "=", 2)
		if len(splitVar) != 2 {
			continue
		}
		fullEnv[splitVar[0]] = splitVar[1]
	}

	for k, v := range env {
		fullEnv[k] = v
	}

	return os.Expand(c, func(s string) string {
		return fullEnv[s]
	})
}

// Expand provides shell expansion similar to ExpandWithMap without the map extension.  It is os.Env only.
func Expand(c string) string {
	return ExpandWithMap(c, nil)
}

// MustGet returns the value of the named variable, or ErrMissingEnv if it is unset or empty.
func MustGet(name string) (string, error) {
	val := os.Getenv(name)
	if val == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingEnv, name)
	}
	return val, nil
}

// String sets *dst to the variable's value if it is set and non-empty.
func String(name string, dst *string) {
	if val, ok := os.LookupEnv(name); ok && val != "" {
		*dst = val
	}
}

// Bool sets *dst from the named variable. Unset or empty leaves *dst untouched.
func Bool(name string, dst *bool) error {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", name, val, err)
	}
	*dst = b
	return nil
}

// Int sets *dst from the named variable. Unset or empty leaves *dst untouched.
func Int(name string, dst *int) error {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", name, val, err)
	}
	*dst = i
	return nil
}
