package proxy

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// RewriteFunc maps an incoming request path to the path sent upstream.
// Implementations must be pure.
type RewriteFunc func(path string) string

// StripPrefix returns a RewriteFunc that removes prefix from the start of a
// path exactly once. Paths that do not begin with prefix are returned unchanged.
func StripPrefix(prefix string) RewriteFunc {
	return func(path string) string {
		if prefix == "" {
			return path
		}
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			return rest
		}
		return path
	}
}

// ReplaceFirst returns a RewriteFunc that replaces the leftmost match of
// pattern with repl. Paths without a match are returned unchanged.
//
// repl uses JavaScript replacement tokens: $$, $&, $`, $', $1 to $99 and
// $<name>. Unrecognised tokens are copied literally.
func ReplaceFirst(pattern, repl string) (RewriteFunc, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid rewrite pattern %q: %w", pattern, err)
	}
	return func(path string) string {
		m := re.FindStringSubmatchIndex(path)
		if m == nil {
			return path
		}
		return path[:m[0]] + expandReplacement(re, repl, path, m) + path[m[1]:]
	}, nil
}

func expandReplacement(re *regexp.Regexp, repl, src string, m []int) string {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return src[m[2*i]:m[2*i+1]]
	}
	ncap := re.NumSubexp()
	hasNames := slices.ContainsFunc(re.SubexpNames(), func(n string) bool { return n != "" })

	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c != '$' || i+1 == len(repl) {
			b.WriteByte(c)
			continue
		}
		next := repl[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '&':
			b.WriteString(group(0))
			i++
		case next == '`':
			b.WriteString(src[:m[0]])
			i++
		case next == '\'':
			b.WriteString(src[m[1]:])
			i++
		case isDigit(next):
			n := int(next - '0')
			if i+2 < len(repl) && isDigit(repl[i+2]) {
				if nn := n*10 + int(repl[i+2]-'0'); nn >= 1 && nn <= ncap {
					b.WriteString(group(nn))
					i += 2
					continue
				}
			}
			if n >= 1 && n <= ncap {
				b.WriteString(group(n))
				i++
				continue
			}
			b.WriteByte(c)
		case next == '<' && hasNames:
			end := strings.IndexByte(repl[i+2:], '>')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			if idx := re.SubexpIndex(repl[i+2 : i+2+end]); idx > 0 {
				b.WriteString(group(idx))
			}
			i += 2 + end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// identity leaves the path untouched.
func identity(path string) string { return path }

// normalizePath makes sure a rewritten path is usable as a request path.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
