package localstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	type payload struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}
	in := payload{Name: "u1", Items: []string{"a", "b"}}

	if err := s.Put("snapshot", in); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out payload
	if err := s.Get("snapshot", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Name != in.Name || len(out.Items) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestGetMissingKey(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var v struct{}
	if err := s.Get("never-written", &v); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutReplacesWhole(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Put("key", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("key", map[string]string{"c": "3"}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	var out map[string]string
	if err := s.Get("key", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(out) != 1 || out["c"] != "3" {
		t.Fatalf("expected whole-value replace, got %v", out)
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Put("key", "value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete("key"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var v string
	if err := s.Get("key", &v); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is a no-op.
	if err := s.Delete("key"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestGetCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write corrupt blob: %v", err)
	}

	var v map[string]string
	if err := s.Get("bad", &v); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unmarshal error, got %v", err)
	}
}
