package broker

import "strings"

// Wildcard is the filter value that matches every attribute value. An empty
// field means the same thing; clients send "any" or omit the field.
const Wildcard = "any"

// Profile holds the attributes a user advertises at registration. The broker
// evaluates only the closed set of filter fields; Attrs is carried through to
// the matched partner untouched.
type Profile struct {
	Gender   string
	Country  string
	Language string
	Attrs    map[string]string
}

// Filter is the predicate supplied with a find-partner request. Each field
// constrains one profile attribute; unset fields match everything.
type Filter struct {
	Gender   string
	Country  string
	Language string
}

// fieldMatches reports whether a single filter field accepts a profile value.
// Comparison is case-insensitive; an unset profile value satisfies only a
// wildcard filter.
func fieldMatches(want, have string) bool {
	if want == "" || strings.EqualFold(want, Wildcard) {
		return true
	}
	return strings.EqualFold(want, have)
}

// Matches reports whether the filter accepts the given profile.
func (f Filter) Matches(p Profile) bool {
	return fieldMatches(f.Gender, p.Gender) &&
		fieldMatches(f.Country, p.Country) &&
		fieldMatches(f.Language, p.Language)
}

// Compatible reports whether two waiting users can be paired: each side's
// filter must accept the other side's profile. The check is symmetric by
// construction.
func Compatible(filterA Filter, profileA Profile, filterB Filter, profileB Profile) bool {
	return filterA.Matches(profileB) && filterB.Matches(profileA)
}
