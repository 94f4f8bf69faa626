package heap

import (
	"strings"
	"testing"

	"bootheap/internal/buffer"
	"bootheap/internal/layout"
	"bootheap/internal/world"
)

// newTestUniverse builds a universe, lets setup register classes, objects,
// and static roots, then freezes the static placeholders.
func newTestUniverse(t *testing.T, setup func(u *world.Universe)) *world.Universe {
	t.Helper()
	u := world.NewUniverse(layout.Default())
	if setup != nil {
		setup(u)
	}
	u.BuildStaticFields()
	return u
}

// addRoot registers a written-and-accessed static reference field, the way
// heap roots arrive from the analyzer.
func addRoot(u *world.Universe, name string, target world.Object) {
	u.AddStaticField(&world.Field{
		Name: name, Kind: layout.Ref,
		IsWritten: true, IsAccessed: true,
		StaticValue: world.RefValue(target),
	})
}

// buildTestHeap runs the full add sequence over a fresh universe.
func buildTestHeap(t *testing.T, cfg Config, setup func(u *world.Universe)) (*Heap, *world.Universe) {
	t.Helper()
	u := newTestUniverse(t, setup)
	h, err := New(u, u.Layout(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}
	if err := h.AddTrailingObjects(); err != nil {
		t.Fatal(err)
	}
	return h, u
}

// writeTestHeap places both sections at offset 0 and serializes.
func writeTestHeap(t *testing.T, h *Heap) (ro, rw *buffer.Relocatable) {
	t.Helper()
	h.SetReadOnlySection(".rodata.heap", 0)
	h.SetWritableSection(".data.heap", 0)
	ro = buffer.New(int(h.ReadOnlySectionSize()))
	rw = buffer.New(int(h.WritableSectionSize()))
	if err := h.WriteHeap(ro, rw); err != nil {
		t.Fatal(err)
	}
	return ro, rw
}

func readU32(buf *buffer.Relocatable, i int) uint32 {
	var v uint32
	for k := 0; k < 4; k++ {
		v |= uint32(buf.Byte(i+k)) << (8 * k)
	}
	return v
}

// S1: an empty graph leaves the read-only primitive partition with only
// the heap-base alignment pad, the two static placeholder arrays as the
// only writable objects, and an empty intern array.
func TestEmptyGraph(t *testing.T) {
	h, u := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		u.UseInternedStrings()
	})

	roPrim := h.Partitions()[0]
	if roPrim.Count() != 0 || roPrim.Size() != int64(h.Layout().Alignment) {
		t.Errorf("readOnlyPrimitive: count %d size %d, want empty with alignment pad", roPrim.Count(), roPrim.Size())
	}

	primInfo := h.GetObjectInfo(u.StaticPrimitiveFields())
	objInfo := h.GetObjectInfo(u.StaticObjectFields())
	if primInfo == nil || objInfo == nil {
		t.Fatal("static placeholder arrays missing from the image")
	}
	if got := primInfo.Partition().Name(); got != "writablePrimitive" {
		t.Errorf("primitive statics in %s", got)
	}
	if got := objInfo.Partition().Name(); got != "writableReference" {
		t.Errorf("object statics in %s", got)
	}
	for _, p := range h.Partitions()[2:] {
		if p.Count() != 1 {
			t.Errorf("partition %s holds %d objects, want only a placeholder array", p.Name(), p.Count())
		}
	}

	if got := u.ImageInternedStrings(); len(got) != 0 {
		t.Errorf("intern array has %d entries, want none", len(got))
	}

	// Without a heap base there is no pad.
	h2, _ := buildTestHeap(t, Config{}, func(u *world.Universe) {
		u.UseInternedStrings()
	})
	if got := h2.Partitions()[0].Size(); got != 0 {
		t.Errorf("readOnlyPrimitive size %d without heap base, want 0", got)
	}
}

// S2: a host-interned string and an independently constructed duplicate
// collapse to one image object with one intern-table entry.
func TestStringCanonicalization(t *testing.T) {
	var s1, s2 *world.Str
	h, u := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		u.UseInternedStrings()
		s1 = u.InternStr("abc")
		s2 = u.NewStr("abc")
		addRoot(u, "first", s1)
		addRoot(u, "second", s2)
	})

	info1 := h.GetObjectInfo(s1)
	info2 := h.GetObjectInfo(s2)
	if info1 == nil || info1 != info2 {
		t.Fatalf("duplicates did not canonicalize: %p vs %p", info1, info2)
	}

	table := u.ImageInternedStrings()
	if len(table) != 1 || table[0].Value != "abc" {
		t.Fatalf("intern table %v, want one entry \"abc\"", table)
	}
	// P5: interned strings are read-only and carry a non-zero hash.
	if got := info1.Partition().Name(); got != "readOnlyReference" {
		t.Errorf("interned string in %s", got)
	}
	if table[0].Hash() == 0 {
		t.Error("interned string has zero hash")
	}
}

// An unhashed string stays mutable: its hash field would be written lazily
// at run time.
func TestUnhashedStringIsMutable(t *testing.T) {
	var s *world.Str
	h, _ := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		s = u.NewStr("")
		addRoot(u, "empty", s)
	})
	if got := h.GetObjectInfo(s).Partition().Name(); got != "writableReference" {
		t.Errorf("unhashed string in %s, want writableReference", got)
	}
}

// hybridWorld registers a hybrid class embedding an int[] and a bit set,
// and one instance of it reachable from a root.
func hybridWorld(u *world.Universe) (inst *world.Instance, embedded *world.Array, bits *world.BitSet) {
	intArr := u.NewArrayClass("int[]", layout.Int)
	class := u.NewHybridClass("DispatchTable", []*world.Field{
		{Name: "data", Kind: layout.Ref, IsAccessed: true},
		{Name: "flags", Kind: layout.Ref, IsAccessed: true},
	}, "data", "flags", layout.Int, 2)

	embedded = &world.Array{Class: intArr, Prims: []uint64{1, 2, 3, 4}}
	bits = world.NewBitSet(0, 7, 8)
	inst = &world.Instance{Class: class, Fields: []world.Value{
		world.RefValue(embedded),
		world.RefValue(bits),
	}}
	addRoot(u, "table", inst)
	return inst, embedded, bits
}

// S3: a hybrid instance absorbs its embedded array and bit set; the
// serialized form carries the bit bytes, the array length, and the
// elements at the hybrid offsets.
func TestHybridObject(t *testing.T) {
	var inst *world.Instance
	var embedded *world.Array
	var bits *world.BitSet
	h, _ := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		inst, embedded, bits = hybridWorld(u)
	})

	info := h.GetObjectInfo(inst)
	if info == nil {
		t.Fatal("hybrid instance missing from the image")
	}
	// P4: the embedded objects never become standalone image objects.
	if h.GetObjectInfo(embedded) != nil {
		t.Error("embedded array has its own ObjectInfo")
	}
	if h.GetObjectInfo(bits) != nil {
		t.Error("embedded bit set has its own ObjectInfo")
	}

	lay := h.Layout()
	hl := world.NewHybridLayout(inst.Class, lay)
	if got := hl.TotalSize(embedded.Len()); info.Size() != got {
		t.Errorf("hybrid size %d, want %d", info.Size(), got)
	}

	ro, _ := writeTestHeap(t, h)
	base := int(info.OffsetInSection())

	// Bits {0, 7} land in byte 0, bit {8} in byte 1.
	if got := ro.Byte(base + int(hl.BitFieldOffset())); got != 0x81 {
		t.Errorf("bit byte 0 = %#x, want 0x81", got)
	}
	if got := ro.Byte(base + int(hl.BitFieldOffset()) + 1); got != 0x01 {
		t.Errorf("bit byte 1 = %#x, want 0x01", got)
	}
	if got := readU32(ro, base+int(lay.ArrayLengthOffset)); got != 4 {
		t.Errorf("embedded length = %d, want 4", got)
	}
	for i, want := range []uint32{1, 2, 3, 4} {
		if got := readU32(ro, base+int(hl.ArrayElementOffset(i))); got != want {
			t.Errorf("element %d = %d, want %d", i, got, want)
		}
	}
}

// S4: a method pointer with a valid code offset becomes a direct
// relocation without addend; an invalid one leaves its slot zero with no
// relocation.
func TestMethodPointerRelocation(t *testing.T) {
	compiled := &world.MethodPointer{Name: "Dispatch.invoke", CodeOffsetValid: true}
	uncompiled := &world.MethodPointer{Name: "Dispatch.stub", CodeOffsetValid: false}
	var arr *world.Array
	h, _ := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		objArr := u.NewArrayClass("java.lang.Object[]", layout.Ref)
		arr = &world.Array{Class: objArr, Refs: []world.Object{compiled, uncompiled}}
		addRoot(u, "vtable", arr)
	})

	// Method pointers are word-like: never image objects of their own.
	if h.GetObjectInfo(compiled) != nil {
		t.Error("method pointer has an ObjectInfo")
	}

	_, rw := writeTestHeap(t, h)
	info := h.GetObjectInfo(arr)
	lay := h.Layout()
	slot0 := int(info.OffsetInSection() + lay.ArrayElementOffset(layout.Ref, 0))
	slot1 := int(info.OffsetInSection() + lay.ArrayElementOffset(layout.Ref, 1))

	relocs := rw.Relocations()
	if len(relocs) != 1 {
		t.Fatalf("%d relocations in the writable buffer, want 1", len(relocs))
	}
	r := relocs[0]
	if r.At != slot0 || r.Size != lay.WordBytes || r.HasAddend || r.Target != compiled {
		t.Errorf("unexpected relocation %v", r)
	}
	if rw.Uint64(slot0) != 0 || rw.Uint64(slot1) != 0 {
		t.Error("method pointer slots must stay zero")
	}
}

// S5: a monitor-bearing class is writable even with no written fields.
func TestMonitorClassPartition(t *testing.T) {
	var inst *world.Instance
	h, _ := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		class := u.NewClass("LockHolder", []*world.Field{
			{Name: "x", Kind: layout.Int, IsAccessed: true},
		})
		class.MonitorFieldOffset = class.HashCodeOffset + 4
		inst = &world.Instance{Class: class, Fields: []world.Value{world.IntValue(7)}}
		addRoot(u, "lock", inst)
	})
	if got := h.GetObjectInfo(inst).Partition().Name(); got != "writableReference" {
		t.Errorf("monitor-bearing instance in %s, want writableReference", got)
	}
}

// S6: when the same hub is reached through its own path and through the
// hosted class object, the class object's identity hash wins, exactly
// once.
func TestClassObjectHashUpgrade(t *testing.T) {
	var hub *world.Hub
	var classObj, classObj2 *world.ClassObject
	var u *world.Universe
	uSetup := func(uu *world.Universe) {
		u = uu
		class := uu.NewClass("Config", []*world.Field{
			{Name: "count", Kind: layout.Int, IsAccessed: true},
		})
		hub = class.TypeHub()
		classObj = &world.ClassObject{Of: class}
		classObj2 = &world.ClassObject{Of: class}
		addRoot(uu, "viaHub", hub)
		addRoot(uu, "viaClass", classObj)
	}

	uu := newTestUniverse(t, uSetup)
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}
	// A second class object must not upgrade the hash again.
	if err := h.AddObject(classObj2, false, false, "late class object"); err != nil {
		t.Fatal(err)
	}
	if err := h.AddTrailingObjects(); err != nil {
		t.Fatal(err)
	}

	info := h.GetObjectInfo(hub)
	if info == nil || h.GetObjectInfo(classObj) != info {
		t.Fatal("class object and hub do not share one ObjectInfo")
	}
	if got, want := info.IdentityHashCode(), u.IdentityHash(classObj); got != want {
		t.Errorf("identity hash %d, want the class object's %d", got, want)
	}
	if info.IdentityHashCode() == u.IdentityHash(hub) {
		t.Error("identity hash still hub-derived")
	}
}

// P9: adding an object a second time is a no-op.
func TestAddIsIdempotent(t *testing.T) {
	var s *world.Str
	uu := newTestUniverse(t, func(u *world.Universe) {
		u.UseInternedStrings()
		s = u.InternStr("abc")
		addRoot(u, "root", s)
	})
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}

	infos := len(h.Infos())
	var sizes []int64
	for _, p := range h.Partitions() {
		sizes = append(sizes, p.Size())
	}
	if err := h.AddObject(s, false, false, "again"); err != nil {
		t.Fatal(err)
	}
	if len(h.Infos()) != infos {
		t.Errorf("second add created %d new ObjectInfos", len(h.Infos())-infos)
	}
	for i, p := range h.Partitions() {
		if p.Size() != sizes[i] {
			t.Errorf("partition %s grew on a repeated add", p.Name())
		}
	}
	if err := h.AddTrailingObjects(); err != nil {
		t.Fatal(err)
	}
}

// P1-P3: offsets, partition accounting, and canonical identity map
// entries, checked over a world that exercises every partition.
func TestHeapInvariants(t *testing.T) {
	cfg := Config{UseHeapBase: true}
	h, _ := buildTestHeap(t, cfg, func(u *world.Universe) {
		u.UseInternedStrings()
		hybridWorld(u)
		addRoot(u, "name", u.InternStr("invariants"))
	})
	lay := h.Layout()

	sums := make(map[*Partition]int64)
	counts := make(map[*Partition]int64)
	for _, info := range h.Infos() {
		if info.OffsetInPartition()+info.Size() > info.Partition().Size() {
			t.Errorf("%v overruns its partition", info)
		}
		if !lay.IsAligned(info.OffsetInPartition()) || !lay.IsAligned(info.Size()) {
			t.Errorf("%v has unaligned placement %d+%d", info, info.OffsetInPartition(), info.Size())
		}
		sums[info.Partition()] += info.Size()
		counts[info.Partition()]++

		// P3: the identity map resolves canonical objects to themselves.
		if h.GetObjectInfo(info.Object()) != info {
			t.Errorf("%v is not canonical in the identity map", info)
		}
	}
	for i, p := range h.Partitions() {
		want := sums[p]
		if i == 0 && cfg.UseHeapBase {
			want += int64(lay.Alignment)
		}
		if p.Size() != want {
			t.Errorf("partition %s size %d, want %d", p.Name(), p.Size(), want)
		}
		if p.Count() != counts[p] {
			t.Errorf("partition %s count %d, want %d", p.Name(), p.Count(), counts[p])
		}
	}
}

// P6: the intern array ascends strictly by byte order.
func TestInternTableSorted(t *testing.T) {
	_, u := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		u.UseInternedStrings()
		addRoot(u, "b", u.InternStr("beta"))
		addRoot(u, "a", u.InternStr("alpha"))
		addRoot(u, "g", u.InternStr("gamma"))
	})
	table := u.ImageInternedStrings()
	if len(table) != 3 {
		t.Fatalf("intern table has %d entries, want 3", len(table))
	}
	for i := 1; i < len(table); i++ {
		if table[i-1].Value >= table[i].Value {
			t.Errorf("intern table not strictly ascending at %d: %q >= %q", i, table[i-1].Value, table[i].Value)
		}
	}
}

// P7: the written bytes and relocation records are a pure function of the
// inputs.
func TestWriteIsDeterministic(t *testing.T) {
	build := func() (*buffer.Relocatable, *buffer.Relocatable) {
		h, _ := buildTestHeap(t, Config{UseHeapBase: true, CompressionShift: 2}, func(u *world.Universe) {
			u.UseInternedStrings()
			hybridWorld(u)
			addRoot(u, "name", u.InternStr("deterministic"))
		})
		return writeTestHeap(t, h)
	}
	ro1, rw1 := build()
	ro2, rw2 := build()

	if string(ro1.Bytes()) != string(ro2.Bytes()) {
		t.Error("read-only bytes differ between identical builds")
	}
	if string(rw1.Bytes()) != string(rw2.Bytes()) {
		t.Error("writable bytes differ between identical builds")
	}
	r1, r2 := rw1.Relocations(), rw2.Relocations()
	if len(r1) != len(r2) {
		t.Fatalf("relocation counts differ: %d vs %d", len(r1), len(r2))
	}
	for i := range r1 {
		if r1[i].At != r2[i].At || r1[i].Size != r2[i].Size || r1[i].Addend != r2[i].Addend {
			t.Errorf("relocation %d differs: %v vs %v", i, r1[i], r2[i])
		}
	}
}

// P8: decoding an encoded reference recovers the target's section offset;
// hub words carry the header bits on top.
func TestEncodedReferenceRoundTrip(t *testing.T) {
	const shift = 2
	const headerBits = 0x1
	var s *world.Str
	h, _ := buildTestHeap(t, Config{UseHeapBase: true, CompressionShift: shift, ObjectHeaderBits: headerBits}, func(u *world.Universe) {
		u.UseInternedStrings()
		s = u.InternStr("roundtrip")
		addRoot(u, "root", s)
	})
	ro, _ := writeTestHeap(t, h)

	info := h.GetObjectInfo(s)
	charsInfo := h.GetObjectInfo(s.Chars)
	if info == nil || charsInfo == nil {
		t.Fatal("string or its character array missing")
	}

	valueField := h.Universe().StrClass.Fields[0]
	slot := int(info.OffsetInSection() + valueField.Location)
	if got := ro.Uint64(slot) << shift; got != uint64(charsInfo.OffsetInSection()) {
		t.Errorf("decoded reference %#x, want %#x", got, charsInfo.OffsetInSection())
	}

	hubInfo := h.GetObjectInfo(h.Universe().StrClass.TypeHub())
	hubSlot := int(info.OffsetInSection() + h.Layout().HubOffset)
	want := uint64(hubInfo.OffsetInSection()) | headerBits
	if got := ro.Uint64(hubSlot); got != want {
		t.Errorf("hub word %#x, want %#x", got, want)
	}
}

// The emergency flag forces everything into the writable reference
// partition.
func TestUseOnlyWritableHeap(t *testing.T) {
	h, _ := buildTestHeap(t, Config{UseHeapBase: true, UseOnlyWritableHeap: true}, func(u *world.Universe) {
		u.UseInternedStrings()
		addRoot(u, "name", u.InternStr("emergency"))
	})
	for _, info := range h.Infos() {
		if got := info.Partition().Name(); got != "writableReference" {
			t.Errorf("%v in %s, want writableReference", info, got)
		}
	}
	if _, err := New(world.NewUniverse(layout.Default()), layout.Default(),
		Config{UseHeapBase: true, SpawnIsolates: true, UseOnlyWritableHeap: true}); err == nil {
		t.Error("UseOnlyWritableHeap with SpawnIsolates must be rejected")
	}
	if _, err := New(world.NewUniverse(layout.Default()), layout.Default(),
		Config{SpawnIsolates: true}); err == nil {
		t.Error("SpawnIsolates without UseHeapBase must be rejected")
	}
}

// RegisterAsImmutable moves a written instance into the read-only heap.
func TestRegisterAsImmutable(t *testing.T) {
	var inst *world.Instance
	uu := newTestUniverse(t, func(u *world.Universe) {
		class := u.NewClass("Counter", []*world.Field{
			{Name: "n", Kind: layout.Int, IsWritten: true, IsAccessed: true},
		})
		inst = &world.Instance{Class: class, Fields: []world.Value{world.IntValue(1)}}
		addRoot(u, "counter", inst)
	})
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}
	h.RegisterAsImmutable(inst)
	if err := h.AddInitialObjects(); err != nil {
		t.Fatal(err)
	}
	if err := h.AddTrailingObjects(); err != nil {
		t.Fatal(err)
	}
	if got := h.GetObjectInfo(inst).Partition().Name(); got != "readOnlyPrimitive" {
		t.Errorf("registered-immutable instance in %s, want readOnlyPrimitive", got)
	}
}

// An object of a class the analyzer never saw instantiated aborts the add
// with the provenance chain.
func TestUnreachableTypeError(t *testing.T) {
	var inst *world.Instance
	uu := newTestUniverse(t, func(u *world.Universe) {
		class := u.NewClass("LazyCache", []*world.Field{
			{Name: "n", Kind: layout.Int, IsAccessed: true},
		})
		class.Instantiated = false
		inst = &world.Instance{Class: class, Fields: []world.Value{world.IntValue(0)}}
		addRoot(u, "cache", inst)
	})
	h, err := New(uu, uu.Layout(), Config{UseHeapBase: true})
	if err != nil {
		t.Fatal(err)
	}
	err = h.AddInitialObjects()
	if err == nil {
		t.Fatal("expected an unreachable-type error")
	}
	if !strings.Contains(err.Error(), "not seen as instantiated") || !strings.Contains(err.Error(), "root: static field cache") {
		t.Errorf("error lacks provenance: %v", err)
	}
}

// A reference retargeted after the freeze is caught at write time.
func TestLateMutationError(t *testing.T) {
	var inst *world.Instance
	var class *world.Class
	h, _ := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		class = u.NewClass("Node", []*world.Field{
			{Name: "next", Kind: layout.Ref, IsWritten: true, IsAccessed: true},
		})
		inst = &world.Instance{Class: class, Fields: []world.Value{world.RefValue(nil)}}
		addRoot(u, "head", inst)
	})

	// Swap in an object the traversal never saw.
	inst.Fields[0] = world.RefValue(&world.Instance{Class: class, Fields: []world.Value{world.RefValue(nil)}})

	h.SetReadOnlySection(".rodata.heap", 0)
	h.SetWritableSection(".data.heap", 0)
	err := h.WriteHeap(buffer.New(int(h.ReadOnlySectionSize())), buffer.New(int(h.WritableSectionSize())))
	if err == nil {
		t.Fatal("expected a late-mutation error")
	}
	if !strings.Contains(err.Error(), "changed during image generation") {
		t.Errorf("unexpected error: %v", err)
	}
}

// Boundary patching points the runtime info statics at the first and last
// object of each populated partition.
func TestPartitionBoundaryPatching(t *testing.T) {
	h, u := buildTestHeap(t, Config{UseHeapBase: true}, func(u *world.Universe) {
		u.UseInternedStrings()
		addRoot(u, "name", u.InternStr("bounds"))
	})
	_, rw := writeTestHeap(t, h)

	staticsInfo := h.GetObjectInfo(u.StaticObjectFields())
	first, last := h.findBoundaryObjects(h.Partitions()[1])
	if first == nil || last == nil {
		t.Fatal("readOnlyReference is unexpectedly empty")
	}

	check := func(name string, want *ObjectInfo) {
		f, ok := u.BoundaryField(name)
		if !ok {
			t.Fatalf("no boundary field %s", name)
		}
		slot := int(staticsInfo.OffsetInSection() + f.Location)
		if got := rw.Uint64(slot); got != uint64(want.OffsetInSection()) {
			t.Errorf("%s = %#x, want %#x", name, got, want.OffsetInSection())
		}
	}
	check("firstReadOnlyReferenceObject", first)
	check("lastReadOnlyReferenceObject", last)
	check("firstWritableReferenceObject", staticsInfo)
	check("lastWritableReferenceObject", staticsInfo)
}
