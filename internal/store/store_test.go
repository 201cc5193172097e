package store

import (
	"path/filepath"
	"testing"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlitePath := filepath.Join(t.TempDir(), "test.db")
	sqliteBackend, err := Open(sqlitePath)
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}
	t.Cleanup(func() { sqliteBackend.Close() })

	return map[string]Backend{
		"sqlite": sqliteBackend,
		"memory": NewMemoryBackend(),
	}
}

func TestBackendGetPutDelete(t *testing.T) {
	for name, b := range backends(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			if _, ok, err := b.Get("ns", "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok:%v err:%v, want ok:false err:nil", ok, err)
			}

			if err := b.Put("ns", "k1", []byte("v1")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			v, ok, err := b.Get("ns", "k1")
			if err != nil || !ok || string(v) != "v1" {
				t.Fatalf("Get(k1) = %q ok:%v err:%v, want v1 true nil", v, ok, err)
			}

			if err := b.Delete("ns", "k1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := b.Get("ns", "k1"); ok {
				t.Fatal("key still present after Delete")
			}
		})
	}
}

func TestBackendScanOrderedByKey(t *testing.T) {
	for name, b := range backends(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			keys := []string{"msg:b", "msg:a", "msg:c", "other:z"}
			for _, k := range keys {
				if err := b.Put("ns", k, []byte(k)); err != nil {
					t.Fatalf("Put(%s): %v", k, err)
				}
			}

			got, err := b.Scan("ns", "msg:")
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			want := []string{"msg:a", "msg:b", "msg:c"}
			if len(got) != len(want) {
				t.Fatalf("Scan returned %d entries, want %d: %v", len(got), len(want), got)
			}
			for i, kv := range got {
				if kv.Key != want[i] {
					t.Fatalf("Scan()[%d] = %q, want %q", i, kv.Key, want[i])
				}
			}
		})
	}
}

func TestNamespaceIsolation(t *testing.T) {
	for name, b := range backends(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			a := Sub(b, "a")
			c := Sub(b, "c")

			if err := a.Put("k", []byte("from-a")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, ok, _ := c.Get("k"); ok {
				t.Fatal("namespace c saw namespace a's key")
			}
		})
	}
}
