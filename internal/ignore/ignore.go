// Package ignore provides the default IgnorePredicate capability (spec.md
// §6): a cascade of doublestar glob patterns, loaded from a
// ".cozyignore"-style file at the sync root, deciding whether a path
// should be excluded from both local and remote aggregation.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// rule is one parsed line: a glob pattern plus whether it negates a
// previous match (a "!"-prefixed line, following the conventional
// .gitignore semantics the teacher's own ignore lists use).
type rule struct {
	pattern string
	negate  bool
	dirOnly bool
}

// Predicate is the default, glob-cascade IgnorePredicate implementation.
// Later rules take precedence over earlier ones, matching .gitignore
// cascade semantics.
type Predicate struct {
	rules []rule
}

// Always-excluded special paths, regardless of user rules (spec.md §6:
// ".cozy_trash" is a reserved special path).
var builtin = []string{".cozy_trash", ".cozyignore"}

// New builds a Predicate from already-parsed pattern lines, prepending the
// built-in reserved-path exclusions.
func New(lines []string) (*Predicate, error) {
	p := &Predicate{}

	for _, b := range builtin {
		p.rules = append(p.rules, rule{pattern: b}, rule{pattern: b + "/**"})
	}

	for _, line := range lines {
		r, ok, err := parseLine(line)
		if err != nil {
			return nil, err
		}

		if ok {
			p.rules = append(p.rules, r)
		}
	}

	return p, nil
}

// Load reads a .cozyignore-style file (one glob per line, "#" comments,
// blank lines skipped, "!" negates) and builds a Predicate from it. A
// missing file is not an error: it yields a Predicate with only the
// built-in exclusions.
func Load(path string) (*Predicate, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(nil)
	}

	if err != nil {
		return nil, fmt.Errorf("ignore: opening %s: %w", path, err)
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("ignore: reading %s: %w", path, err)
	}

	return New(lines)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	return lines, scanner.Err()
}

func parseLine(line string) (rule, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return rule{}, false, nil
	}

	r := rule{pattern: trimmed}

	if strings.HasPrefix(r.pattern, "!") {
		r.negate = true
		r.pattern = r.pattern[1:]
	}

	if strings.HasSuffix(r.pattern, "/") {
		r.dirOnly = true
		r.pattern = strings.TrimSuffix(r.pattern, "/")
	}

	if !strings.Contains(r.pattern, "/") {
		r.pattern = "**/" + r.pattern
	}

	if _, err := doublestar.Match(r.pattern, "probe"); err != nil {
		return rule{}, false, fmt.Errorf("ignore: invalid pattern %q: %w", trimmed, err)
	}

	return r, true, nil
}

// Match reports whether path (slash-separated, sync-root-relative)
// should be ignored. isDir tells the matcher whether a dirOnly rule
// (trailing "/") applies. Later rules override earlier ones, same as
// .gitignore: the last matching rule wins.
func (p *Predicate) Match(path string, isDir bool) bool {
	ignored := false

	for _, r := range p.rules {
		if r.dirOnly && !isDir {
			continue
		}

		matched, _ := doublestar.Match(r.pattern, path)
		if !matched {
			continue
		}

		ignored = !r.negate
	}

	return ignored
}
