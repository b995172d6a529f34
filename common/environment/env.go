// Package environment reads configuration overrides from environment
// variables that share a common prefix.
//
// Lookups distinguish "unset" from "set to an invalid value": the first is
// reported through the ok result, the second as an error naming the
// variable, so a typo in a deployment is never silently ignored.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source resolves variables named Prefix + name.
type Source struct {
	// Prefix is prepended to every name, e.g. "KIOKU_".
	Prefix string

	// Lookup defaults to os.LookupEnv. Tests may replace it.
	Lookup func(key string) (string, bool)
}

// Prefixed returns a Source backed by the process environment.
func Prefixed(prefix string) Source {
	return Source{Prefix: prefix, Lookup: os.LookupEnv}
}

// Key returns the full variable name for name.
func (s Source) Key(name string) string {
	return s.Prefix + strings.ToUpper(name)
}

// String returns the trimmed value of the variable and whether it was set
// to a non-empty value.
func (s Source) String(name string) (string, bool) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(s.Key(name))
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Int parses the variable as a decimal integer.
func (s Source) Int(name string) (int, bool, error) {
	v, ok := s.String(name)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid integer %q", s.Key(name), v)
	}
	return n, true, nil
}

// Float parses the variable as a floating point number.
func (s Source) Float(name string) (float64, bool, error) {
	v, ok := s.String(name)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid number %q", s.Key(name), v)
	}
	return f, true, nil
}

// Bool parses the variable with strconv.ParseBool ("1", "true", "f", ...).
func (s Source) Bool(name string) (bool, bool, error) {
	v, ok := s.String(name)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, true, fmt.Errorf("%s: invalid boolean %q", s.Key(name), v)
	}
	return b, true, nil
}

// Duration parses the variable with time.ParseDuration ("30s", "5m", ...).
func (s Source) Duration(name string) (time.Duration, bool, error) {
	v, ok := s.String(name)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q", s.Key(name), v)
	}
	return d, true, nil
}
