package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFS_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	path := filepath.Join(t.TempDir(), "sub", "doc")

	if err := s.Write(ctx, path, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := s.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read = %q, want %q", data, "hello")
	}
}

func TestFS_WriteReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc")

	if err := s.Write(ctx, path, []byte("one")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Write(ctx, path, []byte("two")); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	data, _ := s.Read(ctx, path)
	if string(data) != "two" {
		t.Errorf("Read = %q, want %q", data, "two")
	}

	// No temp files may be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry after writes, got %d", len(entries))
	}
}

func TestFS_ReadMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewFS()

	_, err := s.Read(ctx, filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing file = %v, want ErrNotFound", err)
	}
}

func TestFS_ListMissingDirIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewFS()

	names, err := s.List(ctx, filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List = %v, want empty", names)
	}
}

func TestFS_ListIsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	dir := t.TempDir()

	for _, name := range []string{"c", "a", "b"} {
		if err := s.Write(ctx, filepath.Join(dir, name), []byte(name)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	names, err := s.List(ctx, dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("List = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestFS_ListHidesInFlightTemps(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	dir := t.TempDir()

	if err := s.Write(ctx, filepath.Join(dir, "doc"), []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// A concurrent writer is mid-write (or crashed), leaving its temp entry
	// in the directory. Readers must not see it.
	tmp := filepath.Join(dir, tmpPrefix+"doc.123")
	if err := os.WriteFile(tmp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	names, err := s.List(ctx, dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 1 || names[0] != "doc" {
		t.Errorf("List = %v, want [doc]", names)
	}
}

func TestFS_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	path := filepath.Join(t.TempDir(), "doc")

	if err := s.Write(ctx, path, []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Remove(ctx, path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove(ctx, path); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestFS_CopyAndExists(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "archive", "dst")

	if err := s.Write(ctx, src, []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Copy(ctx, src, dst); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	data, err := s.Read(ctx, dst)
	if err != nil {
		t.Fatalf("Read copy failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("copy = %q, want %q", data, "payload")
	}

	ok, err := s.Exists(ctx, dst)
	if err != nil || !ok {
		t.Errorf("Exists(dst) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Exists(ctx, filepath.Join(dir, "missing"))
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestFS_CopyMissingSourceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewFS()
	dir := t.TempDir()

	err := s.Copy(ctx, filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Copy missing source = %v, want ErrNotFound", err)
	}
}

func TestFS_CancelledContext(t *testing.T) {
	s := NewFS()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.List(ctx, t.TempDir()); err == nil {
		t.Error("List with cancelled context should fail")
	}
	if err := s.Write(ctx, filepath.Join(t.TempDir(), "doc"), nil); err == nil {
		t.Error("Write with cancelled context should fail")
	}
}
