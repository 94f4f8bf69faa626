package heap

import (
	"strings"
	"testing"

	"bootheap/internal/world"
)

func mustPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}

func TestPhaseTransitions(t *testing.T) {
	p := newPhase("test")
	if !p.IsBefore() || p.IsAllowed() {
		t.Fatalf("fresh phase is %s, want before", p)
	}
	p.Allow()
	if p.IsBefore() || !p.IsAllowed() {
		t.Fatalf("phase after Allow is %s, want allowed", p)
	}
	p.Disallow()
	if p.IsBefore() || p.IsAllowed() {
		t.Fatalf("phase after Disallow is %s, want after", p)
	}
}

func TestPhaseMisuse(t *testing.T) {
	mustPanic(t, "double Allow", func() {
		p := newPhase("test")
		p.Allow()
		p.Allow()
	})
	mustPanic(t, "Disallow before Allow", func() {
		newPhase("test").Disallow()
	})
	mustPanic(t, "Disallow twice", func() {
		p := newPhase("test")
		p.Allow()
		p.Disallow()
		p.Disallow()
	})
}

func TestPhaseGuardsOnHeap(t *testing.T) {
	uu := newTestUniverse(t, nil)
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}

	// Adds are rejected until the window opens.
	mustPanic(t, "AddObject before AddInitialObjects", func() {
		_ = h.AddObject(uu.NewStr("early"), false, false, "early")
	})

	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}
	// Immutability registration belongs before the window opens.
	mustPanic(t, "RegisterAsImmutable after AddInitialObjects", func() {
		h.RegisterAsImmutable(uu.NewStr("late"))
	})

	if err := h.AddTrailingObjects(); err != nil {
		t.Fatal(err)
	}
	mustPanic(t, "AddObject after AddTrailingObjects", func() {
		_ = h.AddObject(uu.NewStr("too late"), false, false, "too late")
	})
}

// A host-interned string first reached after the intern table froze is a
// data-dependent error, not a programming error: it surfaces as an error,
// not a panic.
func TestInternAfterFreezeFails(t *testing.T) {
	var late *world.Str
	uu := newTestUniverse(t, func(u *world.Universe) {
		u.UseInternedStrings()
		late = u.InternStr("late")
	})
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}
	h.internStringsPhase.Disallow()

	if _, err := h.determineStringCanonicalizability(late, false); err == nil {
		t.Fatal("expected an intern-after-freeze error")
	} else if !strings.Contains(err.Error(), "should not intern") {
		t.Errorf("unexpected error: %v", err)
	}
}
