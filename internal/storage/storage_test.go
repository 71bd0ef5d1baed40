package storage

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocal_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(dir, "roads.gpkg")
	os.WriteFile(src, []byte("GPKG"), 0o644)

	key := Key("exec-1", "roads.gpkg")
	if err := s.PutFile(ctx, key, src); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	dst := filepath.Join(dir, "work", "roads.gpkg")
	if err := s.GetFile(ctx, key, dst); err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "GPKG" {
		t.Errorf("fetched content = %q", got)
	}

	if err := s.DeletePrefix(ctx, "exec-1"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if err := s.GetFile(ctx, key, dst); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFile() after delete error = %v, want ErrNotFound", err)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	s, _ := NewLocal(t.TempDir())
	for _, key := range []string{"", "/", "../etc/passwd", "a/../../b"} {
		if err := s.PutFile(context.Background(), key, "x"); err == nil {
			t.Errorf("PutFile(%q) = nil error", key)
		}
	}
}

func TestUnpack(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	f, _ := os.Create(archive)
	zw := zip.NewWriter(f)
	for _, name := range []string{"data/roads.shp", "data/roads.dbf", "data/roads.shx", "__MACOSX/data/._roads.shp"} {
		w, _ := zw.Create(name)
		w.Write([]byte(name))
	}
	zw.Close()
	f.Close()

	files, err := Unpack(archive, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Unpack() = %v, want 3 files", files)
	}
	if filepath.Base(files[0]) != "roads.dbf" {
		t.Errorf("files[0] = %s, want sorted order", files[0])
	}
}

func TestUnpack_NotAnArchive(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	os.WriteFile(bad, []byte("not a zip"), 0o644)
	if _, err := Unpack(bad, filepath.Join(dir, "out")); err == nil {
		t.Error("Unpack(garbage) = nil error")
	}
}
