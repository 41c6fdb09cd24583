package lineengine

import "strings"

// tokenize splits a line on ASCII whitespace, matching spec.md §4.1:
// "split on ASCII whitespace." Quoting, escaping, and globbing are
// explicitly out of scope.
func tokenize(line string) []string {
	return strings.Fields(line)
}

// isOperator reports whether tok's first character marks it as an
// operator rather than an argument word.
func isOperator(tok string) bool {
	if tok == "" {
		return false
	}
	switch tok[0] {
	case '|', '!', '>', '<':
		return true
	default:
		return false
	}
}
