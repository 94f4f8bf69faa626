package world

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"bootheap/internal/layout"
)

// World file format. A world describes the hosted side of one build:
// classes, array classes, hosted objects (by id), and the static fields
// that act as heap roots.
//
//	{
//	  "usesInternedStrings": true,
//	  "classes": [
//	    {"name": "Point",
//	     "fields": [{"name": "x", "kind": "int", "written": true, "accessed": true},
//	                {"name": "next", "kind": "ref", "accessed": true},
//	                {"name": "data", "kind": "ref", "accessed": true},
//	                {"name": "flags", "kind": "ref", "accessed": true}],
//	     "monitor": false,
//	     "canonicalizable": "always",
//	     "notInstantiated": false,
//	     "hybrid": {"arrayField": "data", "bitsetField": "flags",
//	                "elem": "int", "bitsetBytes": 2}}
//	  ],
//	  "arrays": [{"name": "int[]", "elem": "int"}],
//	  "objects": [
//	    {"id": "p1", "class": "Point", "fields": {"x": {"int": 3}, "next": {"ref": "p1"},
//	                                             "data": {"ref": "a1"}, "flags": {"ref": "b1"}}},
//	    {"id": "s1", "string": "abc", "interned": true},
//	    {"id": "a1", "array": "int[]", "elems": [{"int": 1}, {"int": 2}]},
//	    {"id": "b1", "bitset": [0, 7, 8]},
//	    {"id": "m1", "method": "Foo.bar", "codeValid": true},
//	    {"id": "c1", "classObject": "Point"}
//	  ],
//	  "statics": [{"name": "root", "kind": "ref", "written": true,
//	               "accessed": true, "value": {"ref": "p1"}}]
//	}
type worldFile struct {
	UsesInternedStrings bool         `json:"usesInternedStrings"`
	Classes             []classDesc  `json:"classes"`
	Arrays              []arrayDesc  `json:"arrays"`
	Objects             []objectDesc `json:"objects"`
	Statics             []staticDesc `json:"statics"`
}

type classDesc struct {
	Name            string      `json:"name"`
	Fields          []fieldDesc `json:"fields"`
	Monitor         bool        `json:"monitor"`
	Canonicalizable string      `json:"canonicalizable"`
	NotInstantiated bool        `json:"notInstantiated"`
	Hybrid          *hybridDesc `json:"hybrid"`
}

type fieldDesc struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Final    bool   `json:"final"`
	Written  bool   `json:"written"`
	Accessed bool   `json:"accessed"`
}

type hybridDesc struct {
	ArrayField  string `json:"arrayField"`
	BitsetField string `json:"bitsetField"`
	Elem        string `json:"elem"`
	BitsetBytes int    `json:"bitsetBytes"`
}

type arrayDesc struct {
	Name string `json:"name"`
	Elem string `json:"elem"`
}

type objectDesc struct {
	ID string `json:"id"`

	Class  string               `json:"class,omitempty"`
	Fields map[string]valueDesc `json:"fields,omitempty"`

	String   *string `json:"string,omitempty"`
	Interned bool    `json:"interned,omitempty"`

	Array string      `json:"array,omitempty"`
	Elems []valueDesc `json:"elems,omitempty"`

	Bitset []int `json:"bitset,omitempty"`

	Method    string `json:"method,omitempty"`
	CodeValid bool   `json:"codeValid,omitempty"`

	ClassObject string `json:"classObject,omitempty"`
}

type staticDesc struct {
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	Final    bool       `json:"final"`
	Written  bool       `json:"written"`
	Accessed bool       `json:"accessed"`
	Value    *valueDesc `json:"value,omitempty"`
}

// valueDesc encodes one field or element value; exactly one member is set.
// An all-empty value is a null reference.
type valueDesc struct {
	Ref    string   `json:"ref,omitempty"`
	Bool   *bool    `json:"bool,omitempty"`
	Byte   *int8    `json:"byte,omitempty"`
	Char   *uint16  `json:"char,omitempty"`
	Short  *int16   `json:"short,omitempty"`
	Int    *int32   `json:"int,omitempty"`
	Long   *int64   `json:"long,omitempty"`
	Float  *float32 `json:"float,omitempty"`
	Double *float64 `json:"double,omitempty"`
	Word   *uint64  `json:"word,omitempty"`
}

// LoadFile reads a world description from a JSON file.
func LoadFile(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	return Load(data)
}

// Load builds a universe from a JSON world description.
func Load(data []byte) (*Universe, error) {
	var wf worldFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("world: parse: %w", err)
	}

	u := NewUniverse(layout.Default())
	if wf.UsesInternedStrings {
		u.UseInternedStrings()
	}

	for _, ad := range wf.Arrays {
		elem, err := layout.ParseKind(ad.Elem)
		if err != nil {
			return nil, fmt.Errorf("world: array class %s: %w", ad.Name, err)
		}
		if _, ok := u.ArrayClass(ad.Name); ok {
			continue
		}
		u.NewArrayClass(ad.Name, elem)
	}

	for _, cd := range wf.Classes {
		if err := loadClass(u, cd); err != nil {
			return nil, err
		}
	}

	ld := &loader{u: u, objects: make(map[string]Object), descs: make(map[string]objectDesc)}
	for _, od := range wf.Objects {
		if od.ID == "" {
			return nil, fmt.Errorf("world: object without id")
		}
		if _, dup := ld.descs[od.ID]; dup {
			return nil, fmt.Errorf("world: duplicate object id %q", od.ID)
		}
		ld.descs[od.ID] = od
	}
	// Allocate every object first so references may be cyclic, then fill.
	for _, od := range wf.Objects {
		if _, err := ld.allocate(od); err != nil {
			return nil, err
		}
	}
	for _, od := range wf.Objects {
		if err := ld.fill(od); err != nil {
			return nil, err
		}
	}

	for _, sd := range wf.Statics {
		kind, err := layout.ParseKind(sd.Kind)
		if err != nil {
			return nil, fmt.Errorf("world: static %s: %w", sd.Name, err)
		}
		f := &Field{Name: sd.Name, Kind: kind, IsFinal: sd.Final, IsWritten: sd.Written, IsAccessed: sd.Accessed}
		if sd.Value != nil {
			v, err := ld.value(*sd.Value, kind)
			if err != nil {
				return nil, fmt.Errorf("world: static %s: %w", sd.Name, err)
			}
			f.StaticValue = v
		} else {
			f.StaticValue = Value{Kind: kind}
		}
		u.AddStaticField(f)
	}
	u.BuildStaticFields()
	return u, nil
}

func loadClass(u *Universe, cd classDesc) error {
	fields := make([]*Field, len(cd.Fields))
	for i, fd := range cd.Fields {
		kind, err := layout.ParseKind(fd.Kind)
		if err != nil {
			return fmt.Errorf("world: class %s field %s: %w", cd.Name, fd.Name, err)
		}
		fields[i] = &Field{Name: fd.Name, Kind: kind, IsFinal: fd.Final, IsWritten: fd.Written, IsAccessed: fd.Accessed}
	}

	var c *Class
	if cd.Hybrid != nil {
		elem, err := layout.ParseKind(cd.Hybrid.Elem)
		if err != nil {
			return fmt.Errorf("world: class %s hybrid: %w", cd.Name, err)
		}
		c = u.NewHybridClass(cd.Name, fields, cd.Hybrid.ArrayField, cd.Hybrid.BitsetField, elem, cd.Hybrid.BitsetBytes)
	} else {
		c = u.NewClass(cd.Name, fields)
	}

	if cd.Monitor {
		c.MonitorFieldOffset = c.HashCodeOffset + 4
	}
	c.Instantiated = !cd.NotInstantiated
	switch cd.Canonicalizable {
	case "", "default":
		c.Canon = CanonDefault
	case "always":
		c.Canon = CanonAlways
	case "never":
		c.Canon = CanonNever
	default:
		return fmt.Errorf("world: class %s: unknown canonicalizable %q", cd.Name, cd.Canonicalizable)
	}
	return nil
}

type loader struct {
	u       *Universe
	objects map[string]Object
	descs   map[string]objectDesc
}

func (ld *loader) allocate(od objectDesc) (Object, error) {
	if have, ok := ld.objects[od.ID]; ok {
		return have, nil
	}
	var obj Object
	switch {
	case od.Class != "":
		c, ok := ld.u.Class(od.Class)
		if !ok {
			return nil, fmt.Errorf("world: object %s: unknown class %q", od.ID, od.Class)
		}
		obj = &Instance{Class: c, Fields: make([]Value, len(c.Fields))}
	case od.String != nil:
		if od.Interned {
			obj = ld.u.InternStr(*od.String)
		} else {
			obj = ld.u.NewStr(*od.String)
		}
	case od.Array != "":
		c, ok := ld.u.ArrayClass(od.Array)
		if !ok {
			return nil, fmt.Errorf("world: object %s: unknown array class %q", od.ID, od.Array)
		}
		a := &Array{Class: c}
		if c.Elem == layout.Ref {
			a.Refs = make([]Object, len(od.Elems))
		} else {
			a.Prims = make([]uint64, len(od.Elems))
		}
		obj = a
	case od.Bitset != nil:
		obj = NewBitSet(od.Bitset...)
	case od.Method != "":
		obj = &MethodPointer{Name: od.Method, CodeOffsetValid: od.CodeValid}
	case od.ClassObject != "":
		t, err := ld.lookupAnyType(od.ClassObject)
		if err != nil {
			return nil, fmt.Errorf("world: object %s: %w", od.ID, err)
		}
		obj = &ClassObject{Of: t}
	default:
		return nil, fmt.Errorf("world: object %s: no recognized form", od.ID)
	}
	ld.objects[od.ID] = obj
	return obj, nil
}

func (ld *loader) lookupAnyType(name string) (Type, error) {
	if c, ok := ld.u.Class(name); ok {
		return c, nil
	}
	if c, ok := ld.u.ArrayClass(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

func (ld *loader) fill(od objectDesc) error {
	obj := ld.objects[od.ID]
	switch o := obj.(type) {
	case *Instance:
		seen := make(map[string]bool)
		for name, vd := range od.Fields {
			f := fieldByName(o.Class, name)
			if f == nil {
				return fmt.Errorf("world: object %s: class %s has no field %q", od.ID, o.Class.Name, name)
			}
			v, err := ld.value(vd, f.Kind)
			if err != nil {
				return fmt.Errorf("world: object %s field %s: %w", od.ID, name, err)
			}
			o.Fields[f.Index] = v
			seen[name] = true
		}
		for _, f := range o.Class.Fields {
			if !seen[f.Name] {
				o.Fields[f.Index] = Value{Kind: f.Kind}
			}
		}
	case *Array:
		for i, vd := range od.Elems {
			v, err := ld.value(vd, o.Class.Elem)
			if err != nil {
				return fmt.Errorf("world: object %s element %d: %w", od.ID, i, err)
			}
			if o.Class.Elem == layout.Ref {
				if v.Kind == layout.Word {
					o.Refs[i] = Word(v.Bits)
				} else {
					o.Refs[i] = v.Ref
				}
			} else {
				o.Prims[i] = v.Bits
			}
		}
	}
	return nil
}

func fieldByName(c *Class, name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (ld *loader) value(vd valueDesc, want layout.Kind) (Value, error) {
	got, v, err := ld.decode(vd)
	if err != nil {
		return Value{}, err
	}
	// A word value may be stored in a reference slot; everything else must
	// match the declared kind.
	if got != want && !(want == layout.Ref && got == layout.Word) {
		return Value{}, fmt.Errorf("kind mismatch: have %v, want %v", got, want)
	}
	return v, nil
}

func (ld *loader) decode(vd valueDesc) (layout.Kind, Value, error) {
	switch {
	case vd.Ref != "":
		target, ok := ld.objects[vd.Ref]
		if !ok {
			return 0, Value{}, fmt.Errorf("unknown object %q", vd.Ref)
		}
		return layout.Ref, RefValue(target), nil
	case vd.Bool != nil:
		var bits uint64
		if *vd.Bool {
			bits = 1
		}
		return layout.Bool, Value{Kind: layout.Bool, Bits: bits}, nil
	case vd.Byte != nil:
		return layout.Byte, Value{Kind: layout.Byte, Bits: uint64(uint8(*vd.Byte))}, nil
	case vd.Char != nil:
		return layout.Char, Value{Kind: layout.Char, Bits: uint64(*vd.Char)}, nil
	case vd.Short != nil:
		return layout.Short, Value{Kind: layout.Short, Bits: uint64(uint16(*vd.Short))}, nil
	case vd.Int != nil:
		return layout.Int, IntValue(*vd.Int), nil
	case vd.Long != nil:
		return layout.Long, LongValue(*vd.Long), nil
	case vd.Float != nil:
		return layout.Float, Value{Kind: layout.Float, Bits: uint64(floatBits(*vd.Float))}, nil
	case vd.Double != nil:
		return layout.Double, Value{Kind: layout.Double, Bits: doubleBits(*vd.Double)}, nil
	case vd.Word != nil:
		return layout.Word, WordValue(*vd.Word), nil
	}
	// Null reference.
	return layout.Ref, Value{Kind: layout.Ref}, nil
}

func floatBits(f float32) uint32  { return math.Float32bits(f) }
func doubleBits(f float64) uint64 { return math.Float64bits(f) }
