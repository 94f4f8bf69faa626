package world

import (
	"fmt"

	"bootheap/internal/layout"
)

// Type is the image-side view of a hosted type: an instance class or an
// array class.
type Type interface {
	TypeName() string
	TypeHub() *Hub
	IsInstantiated() bool
}

// Canonicalizability tags a class for the builder's classification lists.
type Canonicalizability int

const (
	CanonDefault Canonicalizability = iota // inherit from the parent object
	CanonAlways                            // known canonicalizable
	CanonNever                             // known non-canonicalizable
)

// Class is an instance class: its fields (including inherited ones, in
// layout order), layout-derived sizes, and the flags the analyzer computed.
type Class struct {
	Name   string
	Fields []*Field

	// Size is the aligned instance size. HashCodeOffset is where the
	// identity hash of instances lives; 0 means no hash slot.
	Size           int64
	HashCodeOffset int64

	// MonitorFieldOffset != 0 means instances carry a runtime monitor
	// slot, which is written and holds a reference.
	MonitorFieldOffset int64

	// Hybrid layout opt-in: the embedded array field and the optional
	// embedded bit-set field, with the bit area reserve in bytes.
	HybridArrayField  *Field
	HybridBitsetField *Field
	HybridElem        layout.Kind
	HybridBitsetBytes int

	Instantiated bool
	Canon        Canonicalizability

	hub *Hub
}

func (c *Class) TypeName() string     { return c.Name }
func (c *Class) TypeHub() *Hub        { return c.hub }
func (c *Class) IsInstantiated() bool { return c.Instantiated }

// IsHybrid reports whether instances embed a trailing array.
func (c *Class) IsHybrid() bool { return c.HybridArrayField != nil }

// ArrayClass describes arrays of one element kind.
type ArrayClass struct {
	Name         string
	Elem         layout.Kind
	Instantiated bool

	hub *Hub
}

func (c *ArrayClass) TypeName() string     { return c.Name }
func (c *ArrayClass) TypeHub() *Hub        { return c.hub }
func (c *ArrayClass) IsInstantiated() bool { return c.Instantiated }

// Field is one instance or static field, with the analysis flags the
// builder consults and a typed accessor for its hosted value.
type Field struct {
	Name      string
	Class     *Class // declaring class; nil for statics
	Kind      layout.Kind
	Index     int   // position in Class.Fields; -1 for statics
	Location  int64 // byte offset from the start of the holder object
	IsFinal   bool
	IsWritten bool
	IsAccessed bool

	IsStatic    bool
	StaticValue Value
}

func (f *Field) String() string {
	if f.IsStatic {
		return fmt.Sprintf("static field %s", f.Name)
	}
	return fmt.Sprintf("field %s.%s", f.Class.Name, f.Name)
}

// Read returns the field's value on the given receiver. Statics take a nil
// receiver. Str receivers expose the two string fields by name.
func (f *Field) Read(receiver Object) Value {
	if f.IsStatic {
		if receiver != nil {
			panic(fmt.Sprintf("world: static %s read with receiver", f.Name))
		}
		return f.StaticValue
	}
	switch r := receiver.(type) {
	case *Instance:
		return r.Fields[f.Index]
	case *Str:
		switch f.Name {
		case strValueField:
			return RefValue(r.Chars)
		case strHashField:
			return IntValue(r.Hash())
		}
		panic(fmt.Sprintf("world: unknown string field %s", f.Name))
	}
	panic(fmt.Sprintf("world: cannot read %s from %T", f.Name, receiver))
}

const (
	strValueField = "value"
	strHashField  = "hash"
)

// Hub is the image-side runtime descriptor of a type (the DynamicHub).
// The hub itself is an image object, an instance of the universe's hub
// class. Both the hosted class object and the hub map to it in the image.
type Hub struct {
	Describes Type
}

func (*Hub) isObject() {}

func (h *Hub) String() string { return fmt.Sprintf("hub %s", h.Describes.TypeName()) }
