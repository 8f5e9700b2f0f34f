package permission

import (
	"path"
	"regexp"
	"strings"
	"sync"
)

var (
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
	driveLetter     = regexp.MustCompile(`^[A-Za-z]:/`)

	globCache sync.Map // pattern -> *regexp.Regexp
)

// NormalizePath converts backslashes to forward slashes, collapses repeated
// separators, and resolves relative paths against base.
func NormalizePath(p, base string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = repeatedSlashes.ReplaceAllString(strings.ReplaceAll(p, `\`, "/"), "/")
	if !isAbs(p) && base != "" {
		p = strings.TrimRight(NormalizePath(base, ""), "/") + "/" + p
	}
	trailing := strings.HasSuffix(p, "/") && len(p) > 1
	p = path.Clean(p)
	if trailing && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || driveLetter.MatchString(p)
}

// globRegexp translates a glob into an anchored regexp: `**` matches any
// characters, `*` any characters except `/`, and `?` a single character.
func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				// "**/" also matches zero directories.
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					sb.WriteString("(?:.*/)?")
				} else {
					sb.WriteString(".*")
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		re = regexp.MustCompile(`^\b$`) // never matches
	}
	globCache.Store(pattern, re)
	return re
}

// MatchGlob reports whether value matches the glob pattern.
func MatchGlob(pattern, value string) bool {
	return globRegexp(pattern).MatchString(value)
}

// globLiterals counts the non-wildcard characters of a pattern.
func globLiterals(pattern string) int {
	n := 0
	for _, c := range pattern {
		if c != '*' && c != '?' {
			n++
		}
	}
	return n
}
