package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q): got %v %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel(loud): want error")
	}
}

func TestLogger_StdoutAndFile(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	l, err := New(Options{Level: "info", Folder: dir, Stdout: &stdout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = l.Close() }()

	l.Info("hello", "k", "v")
	l.Debug("hidden")

	if !strings.Contains(stdout.String(), "msg=hello") || strings.Contains(stdout.String(), "hidden") {
		t.Fatalf("stdout: %q", stdout.String())
	}
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "k=v") {
		t.Fatalf("log file: %q", b)
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var out bytes.Buffer
	l, err := New(Options{Level: "warn", Stdout: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("before")
	if err := l.SetLevel("trace"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	l.Log(context.Background(), LevelTrace, "deep")

	s := out.String()
	if strings.Contains(s, "before") {
		t.Fatalf("info logged at warn level: %q", s)
	}
	if !strings.Contains(s, "level=TRACE") || !strings.Contains(s, "deep") {
		t.Fatalf("trace record: %q", s)
	}
	if err := l.SetLevel("nope"); err == nil {
		t.Fatalf("SetLevel(nope): want error")
	}
	if l.Level() != LevelTrace {
		t.Fatalf("bad level changed the logger")
	}
}

func TestRotatingFile_Rotate(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRotating(dir)
	if err != nil {
		t.Fatalf("OpenRotating: %v", err)
	}
	defer func() { _ = r.Close() }()

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	_, _ = r.Write([]byte("one\n"))
	if err := r.Rotate(day); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	_, _ = r.Write([]byte("two\n"))
	if err := r.Rotate(day); err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	_, _ = r.Write([]byte("three\n"))

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(b)
	}
	if got := read("edge-2026-03-14.log"); got != "one\n" {
		t.Fatalf("first archive: %q", got)
	}
	if got := read("edge-2026-03-14.1.log"); got != "two\n" {
		t.Fatalf("second archive: %q", got)
	}
	if got := read(FileName); got != "three\n" {
		t.Fatalf("current file: %q", got)
	}
}
