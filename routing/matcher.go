package routing

import "strings"

const (
	separator      = "."
	singleWildcard = "*"
	multiWildcard  = "#"
)

// Matches reports whether routingKey matches the topic pattern.
// The match is anchored: every segment of the key must be consumed.
// An empty key has zero segments and only matches an empty pattern or one
// made of "#" segments.
func Matches(pattern, routingKey string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(routingKey))
}

func splitSegments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, separator)
}

// matchSegments is a greedy matcher that backtracks to the most recent "#".
// resume is the pattern index right after that "#" run and mark the key
// index where the run currently stops absorbing segments.
func matchSegments(pattern, key []string) bool {
	pi, ki := 0, 0
	resume, mark := -1, 0

	for ki < len(key) {
		switch {
		case pi < len(pattern) && pattern[pi] == multiWildcard:
			for pi < len(pattern) && pattern[pi] == multiWildcard {
				pi++
			}
			resume, mark = pi, ki
		case pi < len(pattern) && (pattern[pi] == singleWildcard || pattern[pi] == key[ki]):
			pi++
			ki++
		case resume >= 0:
			mark++
			pi, ki = resume, mark
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == multiWildcard {
		pi++
	}
	return pi == len(pattern)
}
