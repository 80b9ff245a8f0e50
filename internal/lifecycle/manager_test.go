package lifecycle

import (
	"errors"
	"testing"
)

func TestCloseRunsLIFO(t *testing.T) {
	m := NewManager()

	var order []string
	for _, name := range []string{"store", "redis", "reconciler"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{"reconciler", "redis", "store"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
}

func TestCloseAggregatesErrors(t *testing.T) {
	m := NewManager()

	errStore := errors.New("connection reset")
	m.RegisterFunc("store", func() error { return errStore })

	ran := false
	m.RegisterFunc("reconciler", func() error {
		ran = true
		return errors.New("still draining")
	})

	err := m.Close()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, errStore) {
		t.Fatalf("aggregated error %v does not wrap store error", err)
	}
	if !ran {
		t.Fatal("later failure skipped earlier closer")
	}
}

func TestCloseTwiceIsNoop(t *testing.T) {
	m := NewManager()

	calls := 0
	m.RegisterFunc("store", func() error {
		calls++
		return nil
	})

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("closer ran %d times, want 1", calls)
	}
}
