// Package match compiles exclude masks into a single path predicate.
//
// Masks use `*` (any run of characters within one path segment) and `?`
// (one character). A mask with a leading `/` is anchored to the root of the
// tree; any other mask may match at any depth. A matched directory also
// matches everything beneath it.
package match

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/sidkik/livesync/pkg/errors"
)

// Matcher tests normalized relative paths against a compiled set of masks.
// The zero value matches nothing.
type Matcher struct {
	masks   []string
	pattern glob.Glob
}

// Compile combines masks into one pattern. A `!mask` entry drops an earlier
// identical mask from the list; it does not re-include paths matched by
// other masks.
func Compile(masks []string) (*Matcher, error) {
	var kept []string
	for _, mask := range masks {
		mask = strings.TrimSpace(mask)
		if mask == "" {
			continue
		}

		if strings.HasPrefix(mask, "!") {
			negated := strings.TrimPrefix(mask, "!")
			filtered := kept[:0]
			for _, k := range kept {
				if k != negated {
					filtered = append(filtered, k)
				}
			}
			kept = filtered
			continue
		}
		kept = append(kept, mask)
	}

	m := &Matcher{masks: kept}
	if len(kept) == 0 {
		return m, nil
	}

	alternatives := make([]string, 0, len(kept))
	for _, mask := range kept {
		alternatives = append(alternatives, toPattern(mask))
	}

	combined := "{" + strings.Join(alternatives, ",") + "}"
	pattern, err := glob.Compile(combined, '/')
	if err != nil {
		return nil, errors.WithContext(err, "compile exclude masks")
	}
	m.pattern = pattern
	return m, nil
}

// MustCompile is like Compile but panics on an invalid mask list. It's meant
// for tests and static mask lists.
func MustCompile(masks ...string) *Matcher {
	m, err := Compile(masks)
	if err != nil {
		panic(err)
	}
	return m
}

// Masks returns the masks that were compiled into the matcher.
func (m *Matcher) Masks() []string {
	if m == nil {
		return nil
	}
	return append([]string{}, m.masks...)
}

// IsMatch returns whether path, or one of its parent directories, is
// matched by any mask.
func (m *Matcher) IsMatch(path string) bool {
	if m == nil || m.pattern == nil {
		return false
	}
	return m.pattern.Match(wrap(path))
}

// wrap normalizes path to the form the compiled pattern expects: forward
// slashes with exactly one leading and one trailing slash.
func wrap(path string) string {
	path = strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if path == "" {
		return "/"
	}
	return "/" + path + "/"
}

func toPattern(mask string) string {
	mask = strings.ReplaceAll(mask, "\\", "/")
	anchored := strings.HasPrefix(mask, "/")
	mask = strings.Trim(mask, "/")

	body := quote(mask)
	if anchored {
		return "/" + body + "/**"
	}
	return "**/" + body + "/**"
}

// quote escapes the characters that gobwas/glob treats as syntax, other
// than the `*` and `?` wildcards.
func quote(mask string) string {
	var b strings.Builder
	for _, r := range mask {
		switch r {
		case '{', '}', '[', ']', ',', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
