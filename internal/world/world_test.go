package world

import (
	"testing"

	"bootheap/internal/layout"
)

func TestClassFieldLayout(t *testing.T) {
	u := NewUniverse(layout.Default())
	c := u.NewClass("Mixed", []*Field{
		{Name: "b", Kind: layout.Byte},
		{Name: "x", Kind: layout.Int},
		{Name: "r", Kind: layout.Ref},
	})

	wantLoc := []int64{8, 12, 16}
	for i, f := range c.Fields {
		if f.Location != wantLoc[i] {
			t.Errorf("field %s at %d, want %d", f.Name, f.Location, wantLoc[i])
		}
		if f.Index != i || f.Class != c {
			t.Errorf("field %s has wrong back references", f.Name)
		}
	}
	if c.HashCodeOffset != 24 {
		t.Errorf("hash offset %d, want 24", c.HashCodeOffset)
	}
	if c.Size != 32 {
		t.Errorf("instance size %d, want 32", c.Size)
	}
}

func TestStrHash(t *testing.T) {
	u := NewUniverse(layout.Default())
	if got := u.NewStr("abc").Hash(); got != 96354 {
		t.Errorf("hash(abc) = %d, want 96354", got)
	}
	if got := u.NewStr("").Hash(); got != 0 {
		t.Errorf("hash of the empty string = %d, want 0", got)
	}
}

func TestInterning(t *testing.T) {
	u := NewUniverse(layout.Default())
	s1 := u.InternStr("abc")
	if u.InternStr("abc") != s1 {
		t.Error("InternStr returned a second instance")
	}
	dup := u.NewStr("abc")
	if dup == s1 {
		t.Error("NewStr returned the interned instance")
	}
	if !u.HostInterned(s1) || !u.HostInterned(dup) {
		t.Error("hosted duplicates of interned content must count as interned")
	}
	if u.HostInterned(u.NewStr("free")) {
		t.Error("never-interned content reported as interned")
	}
}

func TestHybridLayout(t *testing.T) {
	u := NewUniverse(layout.Default())
	c := u.NewHybridClass("DispatchTable", []*Field{
		{Name: "data", Kind: layout.Ref, IsAccessed: true},
		{Name: "flags", Kind: layout.Ref, IsAccessed: true},
	}, "data", "flags", layout.Int, 2)

	hl := NewHybridLayout(c, u.Layout())
	if got := hl.BitFieldOffset(); got != 12 {
		t.Errorf("bit field at %d, want 12", got)
	}
	if got := hl.ArrayElementOffset(0); got != 20 {
		t.Errorf("element 0 at %d, want 20", got)
	}
	if got := hl.TotalSize(4); got != 40 {
		t.Errorf("TotalSize(4) = %d, want 40", got)
	}
	if hl.ArrayField().Name != "data" || hl.BitsetField().Name != "flags" {
		t.Error("hybrid fields misresolved")
	}
	if hl.ElementKind() != layout.Int {
		t.Errorf("element kind %v, want int", hl.ElementKind())
	}
}

func TestReplaceObject(t *testing.T) {
	u := NewUniverse(layout.Default())
	c := u.NewClass("Config", nil)
	co := &ClassObject{Of: c}
	if u.ReplaceObject(co) != c.TypeHub() {
		t.Error("class object not replaced by its hub")
	}
	s := u.NewStr("plain")
	if u.ReplaceObject(s) != s {
		t.Error("ordinary objects must pass through")
	}
}

func TestIdentityHash(t *testing.T) {
	u := NewUniverse(layout.Default())
	a := u.NewStr("a")
	b := u.NewStr("b")
	ha, hb := u.IdentityHash(a), u.IdentityHash(b)
	if ha == 0 || hb == 0 {
		t.Error("identity hashes must be non-zero")
	}
	if ha == hb {
		t.Error("identity hashes collide for the first two objects")
	}
	if u.IdentityHash(a) != ha {
		t.Error("identity hash is not stable")
	}
}

func TestBuildStaticFields(t *testing.T) {
	u := NewUniverse(layout.Default())
	ref := u.AddStaticField(&Field{Name: "root", Kind: layout.Ref, IsWritten: true, IsAccessed: true})
	num := u.AddStaticField(&Field{Name: "count", Kind: layout.Int, IsWritten: true, IsAccessed: true})
	u.BuildStaticFields()

	if ref.Location != u.Layout().ArrayElementsOffset {
		t.Errorf("ref static at %d, want %d", ref.Location, u.Layout().ArrayElementsOffset)
	}
	if num.Location != u.Layout().ArrayElementsOffset {
		t.Errorf("primitive static at %d, want %d", num.Location, u.Layout().ArrayElementsOffset)
	}

	// All eight boundary fields live in the object placeholder.
	for _, name := range BoundaryFieldNames {
		f, ok := u.BoundaryField(name)
		if !ok {
			t.Fatalf("boundary field %s missing", name)
		}
		if f.Kind != layout.Ref || !f.IsStatic {
			t.Errorf("boundary field %s malformed", name)
		}
	}

	// Placeholder arrays cover every assigned slot.
	if got := u.StaticObjectFields().Len(); got != 1+len(BoundaryFieldNames) {
		t.Errorf("object placeholder holds %d slots, want %d", got, 1+len(BoundaryFieldNames))
	}
	if got := u.StaticPrimitiveFields().Len(); got != 4 {
		t.Errorf("primitive placeholder holds %d bytes, want 4", got)
	}
}
