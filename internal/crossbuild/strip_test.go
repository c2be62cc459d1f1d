package crossbuild

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"crossbuild/internal/testcontext"
)

// listTree returns the slash paths of regular files under root.
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(files)
	return files
}

func TestStagerStage(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir := t.TempDir()
	r := &fakeRunner{effect: simulateStrip}
	s := &Stager{
		Runner:    r,
		Packages:  []string{"alpha", "beta"},
		Triples:   Triples,
		TargetDir: filepath.Join(dir, "target"),
		OutputDir: filepath.Join(dir, ".out"),
	}
	if err := s.Stage(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"aarch64-linux-gnu-strip " + dir + "/target/aarch64-unknown-linux-gnu/release/alpha -o " + dir + "/.out/aarch64/alpha",
		"x86_64-linux-gnu-strip " + dir + "/target/x86_64-unknown-linux-gnu/release/alpha -o " + dir + "/.out/x86-64/alpha",
		"aarch64-linux-gnu-strip " + dir + "/target/aarch64-unknown-linux-gnu/release/beta -o " + dir + "/.out/aarch64/beta",
		"x86_64-linux-gnu-strip " + dir + "/target/x86_64-unknown-linux-gnu/release/beta -o " + dir + "/.out/x86-64/beta",
	}
	if diff := cmp.Diff(want, commandStrings(r.commands)); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	wantFiles := []string{"aarch64/alpha", "aarch64/beta", "x86-64/alpha", "x86-64/beta"}
	if diff := cmp.Diff(wantFiles, listTree(t, s.OutputDir)); diff != "" {
		t.Errorf("output tree (-want +got):\n%s", diff)
	}
}

func TestStagerRerunDropsStale(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir := t.TempDir()
	s := &Stager{
		Runner:    &fakeRunner{effect: simulateStrip},
		Packages:  []string{"alpha", "beta"},
		Triples:   Triples,
		TargetDir: filepath.Join(dir, "target"),
		OutputDir: filepath.Join(dir, ".out"),
	}
	if err := s.Stage(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.OutputDir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Packages = []string{"gamma"}
	if err := s.Stage(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{"aarch64/gamma", "x86-64/gamma"}
	if diff := cmp.Diff(want, listTree(t, s.OutputDir)); diff != "" {
		t.Errorf("output tree after second run (-want +got):\n%s", diff)
	}
}

func TestStagerReset(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, ".out")
	writeFiles(t, out, map[string]string{"aarch64/old": "old"})
	s := &Stager{Triples: Triples, OutputDir: out}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("%s is not a directory", e.Name())
		}
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"aarch64", "x86-64"}, names); diff != "" {
		t.Errorf("output entries (-want +got):\n%s", diff)
	}
	if files := listTree(t, out); len(files) > 0 {
		t.Errorf("files left after Reset: %q", files)
	}
}

func TestStagerStopsOnFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir := t.TempDir()
	r := &fakeRunner{fail: failOn("aarch64-linux-gnu-strip", 1)}
	s := &Stager{
		Runner:    r,
		Packages:  []string{"alpha"},
		Triples:   Triples,
		TargetDir: filepath.Join(dir, "target"),
		OutputDir: filepath.Join(dir, ".out"),
	}
	if err := s.Stage(ctx); err == nil {
		t.Fatal("Stage() = <nil>; want error")
	}
	if got := len(r.commands); got != 1 {
		t.Errorf("ran %d commands; want 1", got)
	}
}

func TestStagerWorkspaceWithSpace(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	// Stand-in strippers that insist on exactly "<src> -o <dst>".
	bin := t.TempDir()
	const fakeStrip = "#!/bin/sh\n" +
		"[ $# -eq 3 ] || { echo \"got $# args: $*\" >&2; exit 7; }\n" +
		"exec cp \"$1\" \"$3\"\n"
	for _, tr := range Triples {
		if err := os.WriteFile(filepath.Join(bin, tr.Stripper), []byte(fakeStrip), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	ws := filepath.Join(t.TempDir(), "my ws")
	for _, tr := range Triples {
		writeFiles(t, ws, map[string]string{
			"target/" + tr.Name + "/release/alpha": "elf " + tr.Name,
		})
	}
	stderr := new(bytes.Buffer)
	s := &Stager{
		Runner:    &Executor{Dir: ws, Stdout: stderr, Stderr: stderr},
		Packages:  []string{"alpha"},
		Triples:   Triples,
		TargetDir: filepath.Join(ws, "target"),
		OutputDir: filepath.Join(ws, ".out"),
	}
	if err := s.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v\n%s", err, stderr)
	}
	for _, tr := range Triples {
		assertFile(t, tr.StagedPath(s.OutputDir, "alpha"), "elf "+tr.Name)
	}
}

func TestShellEscape(t *testing.T) {
	tests := []struct {
		s    string
		want string
	}{
		{"/tmp/ws/target/release/alpha", "/tmp/ws/target/release/alpha"},
		{"/tmp/my ws/alpha", "'/tmp/my ws/alpha'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"", "''"},
	}
	for _, test := range tests {
		if got := shellEscape(test.s); got != test.want {
			t.Errorf("shellEscape(%q) = %s; want %s", test.s, got, test.want)
		}
	}
}
