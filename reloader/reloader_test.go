package reloader

import (
	"fmt"
	"os"
	"testing"
	"time"
)

func noop([]byte, error) error {
	return nil
}

func TestNoStat(t *testing.T) {
	filename := os.TempDir() + "/doesntexist.123456789"
	_, err := New(filename, noop)
	if err == nil {
		t.Fatalf("Expected New to return error when the file doesn't exist.")
	}
}

func TestFirstError(t *testing.T) {
	f, err := os.CreateTemp("", "test-reloader")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	_, err = New(f.Name(), func([]byte, error) error {
		return fmt.Errorf("i die")
	})
	if err == nil {
		t.Fatalf("Expected New to return error when the callback errored on first load.")
	}
}

func TestReload(t *testing.T) {
	f, err := os.CreateTemp("", "test-reloader")
	if err != nil {
		t.Fatal(err)
	}
	filename := f.Name()
	defer os.Remove(filename)

	_, err = f.WriteString("first")
	if err != nil {
		t.Fatal(err)
	}
	err = f.Close()
	if err != nil {
		t.Fatal(err)
	}

	fakeTick := make(chan time.Time)
	makeTicker = func() (func(), <-chan time.Time) {
		return func() {}, fakeTick
	}

	reloads := make(chan []byte, 10)
	r, err := New(filename, func(b []byte, err error) error {
		if err != nil {
			t.Errorf("unexpected error from reloader: %s", err)
			return err
		}
		reloads <- b
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	first := <-reloads
	if string(first) != "first" {
		t.Errorf("expected first load to produce %q, got %q", "first", string(first))
	}

	// Mod times have second granularity on some filesystems, so push the
	// new mod time firmly into the future instead of re-writing and hoping.
	err = os.WriteFile(filename, []byte("second"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(10 * time.Second)
	err = os.Chtimes(filename, future, future)
	if err != nil {
		t.Fatal(err)
	}

	fakeTick <- time.Now()
	select {
	case second := <-reloads:
		if string(second) != "second" {
			t.Errorf("expected reload to produce %q, got %q", "second", string(second))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
