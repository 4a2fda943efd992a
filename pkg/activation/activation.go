// Package activation decides whether a unit should be active for a location.
//
// A unit's activation rule is one or more path patterns or custom
// predicates, OR'd together. Path patterns compile to an anchored,
// case-insensitive regular expression:
//
//	"/app1"       matches /app1, /app1/, /app1/x, /app1#frag
//	"/users/:id"  matches /users/5, /users/5/ and anything that starts so
//	"/docs/"      matches everything below /docs/
package activation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
)

// Predicate reports whether a unit should be active at loc. It must be total.
type Predicate func(loc location.Location) bool

const dynamicSegmentPattern = "[^/]+/?"

// PathPattern returns the regular expression source compiled for path.
func PathPattern(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var b strings.Builder
	b.WriteString("^")

	lastIndex := 0
	inDynamic := false
	appendSegment := func(index int) {
		if inDynamic {
			b.WriteString(dynamicSegmentPattern)
		} else {
			b.WriteString(regexp.QuoteMeta(path[lastIndex:index]))
		}

		if index == len(path) && !inDynamic {
			if strings.HasSuffix(b.String(), "/") {
				b.WriteString(".*$")
			} else {
				b.WriteString("([/#].*)?$")
			}
		}

		inDynamic = !inDynamic
		lastIndex = index
	}

	for i := 0; i < len(path); i++ {
		startOfDynamic := !inDynamic && path[i] == ':'
		endOfDynamic := inDynamic && path[i] == '/'
		if startOfDynamic || endOfDynamic {
			appendSegment(i)
		}
	}
	appendSegment(len(path))

	return b.String()
}

// CompilePath compiles path into its case-insensitive matcher.
func CompilePath(path string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + PathPattern(path))
}

// FromPath returns a predicate matching loc's route against path.
func FromPath(path string) Predicate {
	re := CompilePath(path)
	return func(loc location.Location) bool {
		return re.MatchString(loc.Route())
	}
}

// Any OR-combines predicates. With no predicates nothing is active.
func Any(predicates ...Predicate) Predicate {
	return func(loc location.Location) bool {
		for _, p := range predicates {
			if p(loc) {
				return true
			}
		}
		return false
	}
}

// Compile normalizes an activation rule. Accepted forms: a path string, a
// Predicate or func(location.Location) bool, or a slice mixing them
// ([]string, []Predicate, []interface{}).
func Compile(rule interface{}) (Predicate, error) {
	if rule == nil {
		return nil, errors.NewValidationError("activation rule cannot be nil", nil)
	}

	var items []interface{}
	switch r := rule.(type) {
	case []interface{}:
		items = r
	case []string:
		for _, s := range r {
			items = append(items, s)
		}
	case []Predicate:
		for _, p := range r {
			items = append(items, p)
		}
	default:
		items = []interface{}{rule}
	}

	if len(items) == 0 {
		return nil, errors.NewValidationError("activation rule cannot be an empty list", nil)
	}

	predicates := make([]Predicate, 0, len(items))
	for i, item := range items {
		p, err := compileItem(item)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid activation rule at index %d", i), err)
		}
		predicates = append(predicates, p)
	}

	if len(predicates) == 1 {
		return predicates[0], nil
	}
	return Any(predicates...), nil
}

func compileItem(item interface{}) (Predicate, error) {
	switch v := item.(type) {
	case string:
		return FromPath(v), nil
	case Predicate:
		if v == nil {
			return nil, errors.NewValidationError("activation predicate cannot be nil", nil)
		}
		return v, nil
	case func(location.Location) bool:
		if v == nil {
			return nil, errors.NewValidationError("activation predicate cannot be nil", nil)
		}
		return v, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("activation rule must be a string or a predicate, got %T", item), nil)
	}
}
