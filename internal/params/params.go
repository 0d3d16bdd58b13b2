// Package params reads the positional parameter lists used to configure
// infrastructures and policies.
package params

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Params is a positional parameter list. Missing or blank entries fall back
// to the default passed to each accessor.
type Params []string

func (p Params) raw(i int) (string, bool) {
	if i < 0 || i >= len(p) {
		return "", false
	}
	value := strings.TrimSpace(p[i])
	return value, value != ""
}

func (p Params) String(i int, def string) string {
	if value, ok := p.raw(i); ok {
		return value
	}
	return def
}

func (p Params) Int(i int, def int) (int, error) {
	value, ok := p.raw(i)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parameter #%d: '%s' is not an integer", i, value)
	}
	return n, nil
}

func (p Params) Bool(i int, def bool) (bool, error) {
	value, ok := p.raw(i)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parameter #%d: '%s' is not a boolean", i, value)
	}
	return b, nil
}

// Duration accepts Go durations ("1m30s") as well as bare integers, which are
// read as milliseconds.
func (p Params) Duration(i int, def time.Duration) (time.Duration, error) {
	value, ok := p.raw(i)
	if !ok {
		return def, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parameter #%d: '%s' is not a duration", i, value)
	}
	return d, nil
}

// List splits a comma separated entry, dropping blank items.
func (p Params) List(i int) []string {
	value, ok := p.raw(i)
	if !ok {
		return nil
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// From returns the parameters starting at position i.
func (p Params) From(i int) Params {
	if i >= len(p) {
		return nil
	}
	return p[i:]
}
