// Command sqllint checks that every inline SQL constant starts with a
// "--sql <uuid>" audit marker and that no marker is reused. Query logs key on
// the marker.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	markerPattern     = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type finding struct {
	file    string
	line    int
	name    string
	message string
}

func (f finding) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", f.file, f.line, f.message, f.name)
}

// linter accumulates findings across files so duplicate markers are caught
// between files as well as within one.
type linter struct {
	seen     map[string]finding
	findings []finding
}

func newLinter() *linter {
	return &linter{seen: make(map[string]finding)}
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"internal/sqlinline"}
	}
	os.Exit(run(targets, os.Stderr))
}

func run(targets []string, stderr io.Writer) int {
	l := newLinter()
	for _, target := range targets {
		if err := l.walk(target); err != nil {
			fmt.Fprintf(stderr, "sqllint: %v\n", err)
			return 2
		}
	}
	if len(l.findings) == 0 {
		return 0
	}
	fmt.Fprintln(stderr, "sqllint: SQL audit marker problems")
	for _, f := range l.findings {
		fmt.Fprintf(stderr, "  %s\n", f)
	}
	return 1
}

func (l *linter) walk(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil
		}
		return l.lintFile(target)
	}
	return filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		return l.lintFile(path)
	})
}

func (l *linter) lintFile(path string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			lit, ok := value.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			raw, err := unquote(lit.Value)
			if err != nil || !sqlKeywordPattern.MatchString(raw) {
				continue
			}
			name := "_"
			if i < len(vs.Names) {
				name = vs.Names[i].Name
			}
			l.check(finding{file: path, line: fset.Position(lit.Pos()).Line, name: name}, raw)
		}
		return true
	})
	return nil
}

func (l *linter) check(at finding, query string) {
	m := markerPattern.FindStringSubmatch(firstLine(query))
	if m == nil {
		at.message = "missing or invalid --sql <uuid> marker"
		l.findings = append(l.findings, at)
		return
	}
	if prev, dup := l.seen[m[1]]; dup {
		at.message = fmt.Sprintf("marker %s already used by %s at %s:%d", m[1], prev.name, prev.file, prev.line)
		l.findings = append(l.findings, at)
		return
	}
	l.seen[m[1]] = at
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) >= 2 && v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}
