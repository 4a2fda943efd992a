// Package location holds the navigation location that activation
// predicates are evaluated against.
package location

import (
	"net/url"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// Location is the minimal view of a navigation target: the full href,
// its origin (scheme://host, empty for relative hrefs) and its query
// string including the leading "?".
type Location struct {
	Href   string `json:"href"`
	Origin string `json:"origin"`
	Search string `json:"search"`
}

// Parse builds a Location from an absolute or root-relative href.
func Parse(href string) (Location, error) {
	if href == "" {
		return Location{}, errors.NewValidationError("href cannot be empty", nil)
	}

	u, err := url.Parse(href)
	if err != nil {
		return Location{}, errors.NewValidationError("invalid href", err).WithContext("href", href)
	}

	loc := Location{Href: href}
	if u.Scheme != "" && u.Host != "" {
		loc.Origin = u.Scheme + "://" + u.Host
	}
	if u.RawQuery != "" {
		loc.Search = "?" + u.RawQuery
	}
	return loc, nil
}

// MustParse is Parse for hrefs known to be valid.
func MustParse(href string) Location {
	loc, err := Parse(href)
	if err != nil {
		panic(err)
	}
	return loc
}

// Resolve interprets href relative to l the way a browser would for
// navigation: absolute hrefs replace l, root-relative ones keep l's origin.
func (l Location) Resolve(href string) (Location, error) {
	if l.Origin == "" || strings.Contains(href, "://") {
		return Parse(href)
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return Parse(l.Origin + href)
}

// Route is the href with origin and query removed; what path patterns match.
func (l Location) Route() string {
	route := l.Href
	if l.Origin != "" {
		route = strings.Replace(route, l.Origin, "", 1)
	}
	if l.Search != "" {
		route = strings.Replace(route, l.Search, "", 1)
	}
	if i := strings.IndexByte(route, '?'); i >= 0 {
		route = route[:i]
	}
	return route
}

func (l Location) String() string {
	return l.Href
}
