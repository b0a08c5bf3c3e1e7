package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is one compiled path rule. Syntax follows the usual sync-tool
// conventions: `*` matches within one path segment, `**` crosses segment
// boundaries, `?` matches a single non-separator character, and `[...]` is a
// character class. A trailing slash restricts the rule to directories. A
// leading slash roots the rule at the transfer root; so does any interior
// slash. An unrooted rule floats and may match any suffix of the path.
type pattern struct {
	re      *regexp.Regexp
	source  string
	rooted  bool
	dirRule bool
}

func newPattern(src string) (*pattern, error) {
	p := &pattern{source: src}

	body := src
	if strings.HasSuffix(body, "/") {
		p.dirRule = true
		body = strings.TrimSuffix(body, "/")
	}
	switch {
	case strings.HasPrefix(body, "/"):
		p.rooted = true
		body = strings.TrimPrefix(body, "/")
	case strings.Contains(body, "/"):
		p.rooted = true
	}

	expr := globExpr(body)
	if p.rooted {
		expr = "^" + expr + "$"
	} else {
		expr = "(^|/)" + expr + "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", src, err)
	}
	p.re = re
	return p, nil
}

// matches reports whether the rule applies to the given relative path.
func (p *pattern) matches(relPath string, isDir bool) bool {
	if p.dirRule && !isDir {
		return false
	}
	return p.re.MatchString(relPath)
}

// globExpr translates a glob body into a regular expression.
//
//nolint:gocyclo,revive // cognitive-complexity: character-by-character glob translation
func globExpr(body string) string {
	var b strings.Builder
	for i := 0; i < len(body); {
		switch c := body[i]; c {
		case '*':
			switch {
			case strings.HasPrefix(body[i:], "**/"):
				b.WriteString("(.*/)?")
				i += 3
			case strings.HasPrefix(body[i:], "**"):
				b.WriteString(".*")
				i += 2
			default:
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			cls, next, ok := scanClass(body, i)
			if !ok {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
				break
			}
			b.WriteString(cls)
			i = next
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}

// scanClass consumes a [...] character class starting at body[i], returning
// the regex form and the index just past the closing bracket. A `!` right
// after the bracket negates, and a `]` in the first position is literal.
func scanClass(body string, i int) (string, int, bool) {
	j := i + 1
	if j < len(body) && body[j] == '!' {
		j++
	}
	if j < len(body) && body[j] == ']' {
		j++
	}
	for j < len(body) && body[j] != ']' {
		j++
	}
	if j >= len(body) {
		return "", i, false
	}

	cls := body[i+1 : j]
	if strings.HasPrefix(cls, "!") {
		cls = "^" + cls[1:]
	}
	return "[" + cls + "]", j + 1, true
}
