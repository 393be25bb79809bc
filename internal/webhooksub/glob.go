package webhooksub

import "strings"

// MatchPattern reports whether a stream path matches a subscription glob
// pattern, per the grammar in §6: segments separated by '/', '*' matches a
// single non-empty segment, '**' matches zero or more segments, other
// characters are literal. Case-sensitive.
func MatchPattern(pattern, path string) bool {
	return matchParts(splitPath(pattern), splitPath(path))
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchParts backtracks over '**' by trying every possible number of
// segments it could consume, grounded on the teacher's webhook/glob.go
// recursive matcher.
func matchParts(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	head := pattern[0]
	if head == "**" {
		for consumed := 0; consumed <= len(path); consumed++ {
			if matchParts(pattern[1:], path[consumed:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if head == "*" || head == path[0] {
		return matchParts(pattern[1:], path[1:])
	}
	return false
}
