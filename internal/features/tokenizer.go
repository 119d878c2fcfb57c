package features

import (
	"strings"
	"unicode"
)

// Placeholder tokens substituted for content that should not influence
// structural comparison.
const (
	TokenComment = "<comment>"
	TokenString  = "<str>"
	TokenNumber  = "<num>"
)

var operators = []string{
	"**=", "//=", ">>=", "<<=", "...",
	"->", "**", "//", "==", "!=", "<=", ">=", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", ":=", "<<", ">>",
}

var stringPrefixes = map[string]bool{
	"r": true, "b": true, "f": true, "u": true,
	"rb": true, "br": true, "fr": true, "rf": true,
}

type token struct {
	text string
	line int
}

// Tokenize canonicalizes source code into a token sequence. Comments and
// literals collapse into placeholder tokens, identifiers and operators are kept
// verbatim and whitespace is dropped.
func Tokenize(src string) []string {
	scanned := scan(src)
	tokens := make([]string, len(scanned))
	for i, tok := range scanned {
		tokens[i] = tok.text
	}
	return tokens
}

func scan(src string) []token {
	runes := []rune(src)
	var tokens []token
	line := 1
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '\n':
			line++
			i++
		case unicode.IsSpace(r) || r == '\\':
			i++
		case r == '#':
			tokens = append(tokens, token{text: TokenComment, line: line})
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '"' || r == '\'':
			start := line
			i, line = skipString(runes, i, line)
			tokens = append(tokens, token{text: TokenString, line: start})
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			for i < len(runes) && (isIdentRune(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{text: TokenNumber, line: line})
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentRune(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			if j < len(runes) && (runes[j] == '"' || runes[j] == '\'') && stringPrefixes[strings.ToLower(word)] {
				start := line
				i, line = skipString(runes, j, line)
				tokens = append(tokens, token{text: TokenString, line: start})
				continue
			}
			tokens = append(tokens, token{text: word, line: line})
			i = j
		default:
			op := matchOperator(runes[i:])
			tokens = append(tokens, token{text: op, line: line})
			i += len([]rune(op))
		}
	}
	return tokens
}

// skipString consumes a quoted literal starting at runes[i] and returns the
// index after it. Unterminated literals run to the end of the line, or to the
// end of input for triple quotes.
func skipString(runes []rune, i, line int) (int, int) {
	quote := runes[i]
	triple := i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote
	if triple {
		i += 3
		for i < len(runes) {
			switch {
			case runes[i] == '\\':
				if i+1 < len(runes) && runes[i+1] == '\n' {
					line++
				}
				i += 2
				continue
			case runes[i] == '\n':
				line++
			case runes[i] == quote && i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote:
				return i + 3, line
			}
			i++
		}
		return len(runes), line
	}

	i++
	for i < len(runes) {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				line++
			}
			i += 2
			continue
		case '\n':
			return i, line
		case quote:
			return i + 1, line
		}
		i++
	}
	return len(runes), line
}

func matchOperator(rest []rune) string {
	for _, op := range operators {
		n := len(op)
		if len(rest) >= n && string(rest[:n]) == op {
			return op
		}
	}
	return string(rest[0])
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// CommentDensity returns the share of non-blank code lines that carry a comment.
func CommentDensity(sources []string) float64 {
	codeLines, commented := 0, 0
	for _, src := range sources {
		for _, line := range strings.Split(src, "\n") {
			if strings.TrimSpace(line) != "" {
				codeLines++
			}
		}
		seen := map[int]bool{}
		for _, tok := range scan(src) {
			if tok.text == TokenComment && !seen[tok.line] {
				seen[tok.line] = true
				commented++
			}
		}
	}
	if codeLines == 0 {
		return 0
	}
	return float64(commented) / float64(codeLines)
}
