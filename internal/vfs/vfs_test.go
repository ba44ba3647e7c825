package vfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// failingBackend wraps a Memory backend and fails every Put
// to the key in failOn.
type failingBackend struct {
	*Memory
	failOn string
}

var errInjected = errors.New("injected failure")

func (b *failingBackend) Put(ctx context.Context, key string, data []byte) error {
	if key == b.failOn {
		return errInjected
	}
	return b.Memory.Put(ctx, key, data)
}

func backends(t *testing.T) map[string]Backend {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Backend{
		"memory": NewMemory(),
		"local":  local,
	}
}

func TestFS_ReadWrite(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := New(b)

			if err := f.Write(ctx, "/saves/zelda.sav", []byte("battery")); err != nil {
				t.Fatal(err)
			}
			data, err := f.Read(ctx, "/saves/zelda.sav")
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "battery" {
				t.Errorf("expected battery, got %s", data)
			}

			// overwrite
			if err := f.Write(ctx, "/saves/zelda.sav", []byte("v2")); err != nil {
				t.Fatal(err)
			}
			if data, _ := f.Read(ctx, "/saves/zelda.sav"); string(data) != "v2" {
				t.Errorf("expected v2, got %s", data)
			}

			ok, err := f.Exists(ctx, "/saves/zelda.sav")
			if err != nil || !ok {
				t.Errorf("expected file to exist, got %v %v", ok, err)
			}

			if _, err := f.Read(ctx, "/saves/missing.sav"); !errors.Is(err, emulator.ErrNotFound) {
				t.Errorf("expected NotFound, got %v", err)
			}
		})
	}
}

func TestFS_Remove(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := New(b)
			_ = f.Write(ctx, "/roms/zelda", []byte{1})

			if err := f.Remove(ctx, "/roms/zelda"); err != nil {
				t.Fatal(err)
			}
			if ok, _ := f.Exists(ctx, "/roms/zelda"); ok {
				t.Error("expected file to be removed")
			}
			if err := f.Remove(ctx, "/roms/zelda"); err != nil {
				t.Errorf("expected removing a missing file to succeed, got %v", err)
			}
		})
	}
}

func TestFS_List(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := New(b)
			for _, p := range []string{
				"/states/zelda/b.state",
				"/states/zelda/1.state",
				"/states/zelda/a.state",
				"/states/metroid/1.state",
				"/roms/zelda",
			} {
				if err := f.Write(ctx, p, []byte(p)); err != nil {
					t.Fatal(err)
				}
			}

			got, err := f.List(ctx, "/states/zelda")
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"/states/zelda/1.state", "/states/zelda/a.state", "/states/zelda/b.state"}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("expected %v, got %v", want, got)
			}

			got, err = f.List(ctx, "/states")
			if err != nil {
				t.Fatal(err)
			}
			want = []string{"/states/metroid", "/states/zelda"}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("expected %v, got %v", want, got)
			}

			got, err = f.List(ctx, "/states/missing")
			if err != nil {
				t.Fatalf("expected no error for a missing directory, got %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("expected an empty slice, got %#v", got)
			}
		})
	}
}

func TestFS_Walk(t *testing.T) {
	ctx := context.Background()
	f := New(NewMemory())
	_ = f.Write(ctx, "/saves/zelda.sav", nil)
	_ = f.Write(ctx, "/roms/zelda", nil)

	got, err := f.Walk(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/roms/zelda", "/saves/zelda.sav"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFS_InvalidPath(t *testing.T) {
	ctx := context.Background()
	f := New(NewMemory())

	if err := f.Write(ctx, "/etc/passwd", nil); !errors.Is(err, emulator.ErrInvalidPath) {
		t.Errorf("expected InvalidPath, got %v", err)
	}
	if _, err := f.Read(ctx, "/roms/../etc"); !errors.Is(err, emulator.ErrInvalidPath) {
		t.Errorf("expected InvalidPath, got %v", err)
	}
	if _, err := f.List(ctx, "/nope"); !errors.Is(err, emulator.ErrInvalidPath) {
		t.Errorf("expected InvalidPath, got %v", err)
	}
}

func TestFS_UpdateRollback(t *testing.T) {
	ctx := context.Background()
	b := &failingBackend{Memory: NewMemory(), failOn: "states/zelda/1.meta"}
	f := New(b)

	// previous content of the payload must survive
	if err := f.Write(ctx, "/states/zelda/1.state", []byte("old")); err != nil {
		t.Fatal(err)
	}

	err := f.Update(ctx, func(tx *Tx) error {
		tx.Write("/states/zelda/1.state", []byte("new"))
		tx.Write("/states/zelda/1.meta", []byte("{}"))
		return nil
	})
	if !errors.Is(err, emulator.ErrStorage) {
		t.Fatalf("expected StorageError, got %v", err)
	}

	data, err := f.Read(ctx, "/states/zelda/1.state")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "old" {
		t.Errorf("expected rollback to old, got %s", data)
	}
	if ok, _ := f.Exists(ctx, "/states/zelda/1.meta"); ok {
		t.Error("expected sidecar to be absent")
	}
}

func TestFS_UpdateRollbackNew(t *testing.T) {
	ctx := context.Background()
	b := &failingBackend{Memory: NewMemory(), failOn: "states/zelda/2.meta"}
	f := New(b)

	_ = f.Update(ctx, func(tx *Tx) error {
		tx.Write("/states/zelda/2.state", []byte("new"))
		tx.Write("/states/zelda/2.meta", []byte("{}"))
		return nil
	})
	if ok, _ := f.Exists(ctx, "/states/zelda/2.state"); ok {
		t.Error("expected a newly written file to be rolled back")
	}
}

func TestFS_UpdateAbort(t *testing.T) {
	ctx := context.Background()
	f := New(NewMemory())
	errAbort := errors.New("abort")

	err := f.Update(ctx, func(tx *Tx) error {
		tx.Write("/roms/zelda", []byte{1})
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if ok, _ := f.Exists(ctx, "/roms/zelda"); ok {
		t.Error("expected nothing to be written")
	}
}

func TestFS_UpdateVisibility(t *testing.T) {
	ctx := context.Background()
	f := New(NewMemory())
	a, b := bytes.Repeat([]byte{1}, 64), bytes.Repeat([]byte{2}, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			v := a
			if i%2 == 1 {
				v = b
			}
			_ = f.Update(ctx, func(tx *Tx) error {
				tx.Write("/states/zelda/1.state", v)
				tx.Write("/states/zelda/1.meta", v)
				return nil
			})
		}
	}()

	for i := 0; i < 200; i++ {
		f.mu.RLock()
		s, _ := f.backend.Get(ctx, "states/zelda/1.state")
		m, _ := f.backend.Get(ctx, "states/zelda/1.meta")
		f.mu.RUnlock()
		if !bytes.Equal(s, m) {
			t.Fatal("observed a partially applied update")
		}
	}
	wg.Wait()
}

func TestLocal_Atomic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, "saves/zelda.sav", []byte("data")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "saves"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "zelda.sav" {
		t.Errorf("expected only zelda.sav, got %v", entries)
	}
}

func TestLocal_CleansStaged(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "saves")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, tempPrefix+"123.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected staged file to be removed")
	}
	keys, _ := b.List(context.Background(), "saves/")
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}
