package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintAcceptsMarkedQueries(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "q.go", "package q\n\nconst QOne = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;\n`\n\nconst Label = \"not a query\"\n")

	vs, err := lintPaths([]string{dir})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("violations = %v", vs)
	}
}

func TestLintReportsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "q.go", "package q\n\nconst QBad = `update jobs set status = 'failed';`\n")

	vs, err := lintPaths([]string{dir})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(vs) != 1 || vs[0].name != "QBad" || vs[0].line != 3 {
		t.Fatalf("violations = %v", vs)
	}
}

func TestLintReportsReusedMarker(t *testing.T) {
	dir := t.TempDir()
	const id = "--sql 11111111-2222-4333-8444-555555555555\n"
	writeGo(t, dir, "a.go", "package q\n\nconst QA = `"+id+"select 1;`\n")
	writeGo(t, dir, "b.go", "package q\n\nconst QB = `"+id+"delete from jobs;`\n")

	vs, err := lintPaths([]string{dir})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(vs) != 1 || !strings.Contains(vs[0].message, "already used by QA") {
		t.Fatalf("violations = %v", vs)
	}
}

func TestLintRepositoryQueries(t *testing.T) {
	vs, err := lintPaths([]string{filepath.Join("..", "..", "sqlinline")})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("violations = %v", vs)
	}
}
