package objects

import "strings"

const shaLength = 40

// IsValidSHA reports whether s is a full 40 character hex object id.
func IsValidSHA(s string) bool {
	if len(s) != shaLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// SplitSHA splits an object id into its 2 character fan-out directory and the
// remaining file name. The id is lowercased.
func SplitSHA(sha string) (prefix, suffix string) {
	sha = strings.ToLower(sha)
	return sha[:2], sha[2:]
}
