package sharedmem

import "testing"

func TestOverlayInputWinsOverSnapshot(t *testing.T) {
	m := NewFromSnapshot(map[string]any{"x": 1})
	m.Overlay(map[string]any{"x": 2, "y": 3})

	if v, _ := m.Get("x"); v != 2 {
		t.Fatalf("expected overlay input to win, got %v", v)
	}
	if v, _ := m.Get("y"); v != 3 {
		t.Fatalf("expected y=3, got %v", v)
	}
}

func TestScopedViewRejectsUndeclaredRead(t *testing.T) {
	m := New()
	m.Set("secret", "nope")
	view := m.Scope("nodeA", []string{"allowed"}, nil)

	if _, err := view.Get("secret"); err == nil {
		t.Fatal("expected permission error reading undeclared key")
	}
}

func TestScopedViewRejectsUndeclaredWrite(t *testing.T) {
	m := New()
	view := m.Scope("nodeA", nil, []string{"out"})

	if err := view.Set("other", 1); err == nil {
		t.Fatal("expected permission error writing undeclared key")
	}
	if err := view.Set("out", 1); err != nil {
		t.Fatalf("expected declared write to succeed, got %v", err)
	}
	if v, _ := m.Get("out"); v != 1 {
		t.Fatalf("expected memory to observe scoped write, got %v", v)
	}
}

func TestScopedViewAllReturnsOnlyDeclaredKeys(t *testing.T) {
	m := New()
	m.Set("a", 1)
	m.Set("b", 2)
	view := m.Scope("nodeA", []string{"a"}, nil)

	all := view.All()
	if len(all) != 1 || all["a"] != 1 {
		t.Fatalf("expected only declared key a, got %+v", all)
	}
}
