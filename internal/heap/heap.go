// Package heap builds the initial image of a statically compiled program:
// it traverses the reachable hosted object graph, canonicalizes value-like
// objects, partitions image objects by writability and reference content,
// and serializes each partition into a relocatable buffer.
package heap

import (
	"fmt"
	"sort"
	"strings"

	"bootheap/internal/layout"
	"bootheap/internal/world"
)

// Heap models the image heap of one build. Populate it with
// AddInitialObjects and AddTrailingObjects, then place the partitions with
// SetReadOnlySection/SetWritableSection and serialize with WriteHeap.
type Heap struct {
	universe *world.Universe
	lay      layout.Layout
	cfg      Config

	// objects maps hosted objects by identity to their image record. More
	// than one hosted object may map to a single image object.
	objects map[world.Object]*ObjectInfo
	// infos holds the records in insertion order; all iteration happens
	// here so offsets, bytes, and relocations are reproducible.
	infos []*ObjectInfo

	// blacklist holds objects embedded in a hybrid parent that must not
	// become standalone image objects.
	blacklist map[world.Object]bool

	hybridLayouts map[*world.Class]*world.HybridLayout

	internedStrings map[string]*world.Str

	addObjectsPhase   *Phase
	internStringsPhase *Phase

	worklist []addObjectData

	canon *canonicalizer

	knownCanonicalizable    []func(world.Object) bool
	knownNonCanonicalizable []func(world.Object) bool

	knownImmutable map[world.Object]bool

	readOnlyPrimitive *Partition
	readOnlyReference *Partition
	writablePrimitive *Partition
	writableReference *Partition
}

type addObjectData struct {
	original             world.Object
	parentCanonicalizable bool
	immutableFromParent  bool
	reason               any
}

// New creates an empty image heap over the given universe and layout.
func New(u *world.Universe, lay layout.Layout, cfg Config) (*Heap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		universe:           u,
		lay:                lay,
		cfg:                cfg,
		objects:            make(map[world.Object]*ObjectInfo),
		blacklist:          make(map[world.Object]bool),
		hybridLayouts:      make(map[*world.Class]*world.HybridLayout),
		internedStrings:    make(map[string]*world.Str),
		addObjectsPhase:    newPhase("add objects"),
		internStringsPhase: newPhase("intern strings"),
		canon:              newCanonicalizer(u),
		knownImmutable:     make(map[world.Object]bool),
		readOnlyPrimitive:  newPartition("readOnlyPrimitive", lay, false),
		readOnlyReference:  newPartition("readOnlyReference", lay, false),
		writablePrimitive:  newPartition("writablePrimitive", lay, true),
		writableReference:  newPartition("writableReference", lay, true),
	}

	if cfg.UseHeapBase {
		// Zero designates null, so pad the heap base to keep object
		// offsets strictly positive.
		h.readOnlyPrimitive.pad(int64(lay.Alignment))
	}

	// Classification lists: the non-canonicalizable list wins over the
	// canonicalizable one. Hubs are always canonicalizable; classes may
	// tag themselves either way.
	h.knownNonCanonicalizable = append(h.knownNonCanonicalizable, classTagged(world.CanonNever))
	h.knownCanonicalizable = append(h.knownCanonicalizable,
		func(obj world.Object) bool { _, ok := obj.(*world.Hub); return ok },
		classTagged(world.CanonAlways),
	)
	return h, nil
}

func classTagged(tag world.Canonicalizability) func(world.Object) bool {
	return func(obj world.Object) bool {
		if in, ok := obj.(*world.Instance); ok {
			return in.Class.Canon == tag
		}
		return false
	}
}

// Universe returns the metadata view this heap was built over.
func (h *Heap) Universe() *world.Universe { return h.universe }

// Layout returns the object layout of the build.
func (h *Heap) Layout() layout.Layout { return h.lay }

// RegisterAsImmutable marks a hosted object as immutable in the image,
// regardless of written fields. Only allowed before AddInitialObjects.
func (h *Heap) RegisterAsImmutable(obj world.Object) {
	if !h.addObjectsPhase.IsBefore() {
		panic(fmt.Sprintf("heap: registering immutable object too late: phase: %s", h.addObjectsPhase))
	}
	h.knownImmutable[obj] = true
}

// AddInitialObjects opens the add and intern windows and enqueues the root
// set: the two static-field placeholder arrays plus every static object
// field the analyzer saw written and accessed.
func (h *Heap) AddInitialObjects() error {
	h.addObjectsPhase.Allow()
	h.internStringsPhase.Allow()

	tracef("initial add primitive static fields")
	if err := h.AddObject(h.universe.StaticPrimitiveFields(), false, false, "primitive static fields"); err != nil {
		return err
	}
	return h.addStaticFields()
}

func (h *Heap) addStaticFields() error {
	if err := h.AddObject(h.universe.StaticObjectFields(), false, false, "staticObjectFields"); err != nil {
		return err
	}
	if err := h.AddObject(h.universe.StaticPrimitiveFields(), false, false, "staticPrimitiveFields"); err != nil {
		return err
	}

	// The placeholder arrays are empty, so static object fields must be
	// added explicitly.
	for _, f := range h.universe.StaticFields() {
		if f.Kind == layout.Ref && f.IsWritten && f.IsAccessed {
			if err := h.AddObject(f.Read(nil).Ref, false, false, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddTrailingObjects drains the worklist, freezes interning, emits the
// sorted intern table, and closes both mutation windows.
func (h *Heap) AddTrailingObjects() error {
	// Process any remaining objects, especially ones that intern strings.
	if err := h.processAddObjectWorklist(); err != nil {
		return err
	}

	if h.universe.UsesInternedStrings() {
		// Ensure the hub of the intern table array is written.
		if err := h.AddObject(h.universe.StrArrayClass().TypeHub(), false, false, "internedStrings table"); err != nil {
			return err
		}
		// No new interned strings may appear now: the table is about to
		// be fixed in place.
		h.internStringsPhase.Disallow()

		table := h.buildInternTable()
		h.universe.SetImageInternedStrings(table)

		arr := &world.Array{Class: h.universe.StrArrayClass(), Refs: make([]world.Object, len(table))}
		for i, s := range table {
			arr.Refs[i] = s
		}
		if err := h.AddObject(arr, true, true, "internedStrings table"); err != nil {
			return err
		}
		if err := h.processAddObjectWorklist(); err != nil {
			return err
		}
	} else {
		h.internStringsPhase.Disallow()
	}

	h.addObjectsPhase.Disallow()
	if len(h.worklist) != 0 {
		panic(fmt.Sprintf("heap: %d objects left on the add worklist", len(h.worklist)))
	}
	return nil
}

// buildInternTable returns the distinct interned strings in ascending byte
// order.
func (h *Heap) buildInternTable() []*world.Str {
	values := make([]string, 0, len(h.internedStrings))
	for v := range h.internedStrings {
		values = append(values, v)
	}
	sort.Strings(values)
	table := make([]*world.Str, len(values))
	for i, v := range values {
		table[i] = h.internedStrings[v]
	}
	return table
}

// GetObjectInfo returns the image record of a hosted object, nil if the
// object is not in the image.
func (h *Heap) GetObjectInfo(obj world.Object) *ObjectInfo {
	return h.objects[obj]
}

// Infos returns the image records in insertion order.
func (h *Heap) Infos() []*ObjectInfo { return h.infos }

// Partitions returns the four partitions in boundary-patching order.
func (h *Heap) Partitions() []*Partition {
	return []*Partition{h.readOnlyPrimitive, h.readOnlyReference, h.writablePrimitive, h.writableReference}
}

// ReadOnlySectionSize returns the summed size of the two read-only
// partitions, without padding between them.
func (h *Heap) ReadOnlySectionSize() int64 {
	return h.readOnlyPrimitive.Size() + h.readOnlyReference.Size()
}

// WritableSectionSize returns the summed size of the two writable
// partitions.
func (h *Heap) WritableSectionSize() int64 {
	return h.writablePrimitive.Size() + h.writableReference.Size()
}

// SetReadOnlySection places the read-only partitions: primitives at the
// given offset, references immediately after.
func (h *Heap) SetReadOnlySection(sectionName string, offset int64) {
	h.readOnlyPrimitive.SetSection(sectionName, offset)
	h.readOnlyReference.SetSection(sectionName, h.readOnlyPrimitive.OffsetInSection(h.readOnlyPrimitive.Size()))
}

// SetWritableSection places the writable partitions, primitives first.
func (h *Heap) SetWritableSection(sectionName string, offset int64) {
	h.writablePrimitive.SetSection(sectionName, offset)
	h.writableReference.SetSection(sectionName, h.writablePrimitive.OffsetInSection(h.writablePrimitive.Size()))
}

// AddObject adds a hosted object to the image heap model, if it belongs
// there. Words and method pointers are no heap objects; class objects are
// replaced by the hub of the type they describe.
func (h *Heap) AddObject(original world.Object, parentCanonicalizable, immutableFromParent bool, reason any) error {
	h.addObjectsPhase.mustBeAllowed(fmt.Sprintf("adding object with reason %v", reason))

	if original == nil {
		return nil
	}
	switch original.(type) {
	case world.Word, *world.MethodPointer:
		return nil
	}

	raw := original
	original = h.universe.ReplaceObject(original)
	if _, ok := original.(*world.ClassObject); ok {
		return fmt.Errorf("heap: must not have a class object in the image heap: %v", original)
	}

	identityHashCode := h.hostedIdentityHash(raw)

	canonicalizable, err := h.determineCanonicalizability(original, parentCanonicalizable)
	if err != nil {
		return err
	}
	tracef("add %v canonicalizable: %t", original, canonicalizable)
	canonical := original
	if canonicalizable {
		canonical = h.canon.canonicalize(original)
	}

	if existing := h.objects[canonical]; existing != nil {
		if canonical != raw {
			existing.update(raw, identityHashCode)
			h.associate(raw, existing)
			h.associate(original, existing)
		}
		return nil
	}
	return h.addObjectToImageHeap(raw, original, canonical, canonicalizable, immutableFromParent, identityHashCode, reason)
}

func (h *Heap) associate(obj world.Object, info *ObjectInfo) {
	if _, ok := h.objects[obj]; !ok {
		h.objects[obj] = info
	}
}

// hostedIdentityHash prefers the provider on the hosted object and falls
// back to the universe's assigned identity hash.
func (h *Heap) hostedIdentityHash(obj world.Object) int32 {
	if p, ok := obj.(interface{ HostedIdentityHash() int32 }); ok {
		if hash := p.HostedIdentityHash(); hash != 0 {
			return hash
		}
	}
	return h.universe.IdentityHash(obj)
}

// determineCanonicalizability decides whether one instance may stand in
// for another. Strings interned by the host are recorded in the intern
// table and always canonicalizable; everything else consults the
// classification lists, starting from the parent's flag.
func (h *Heap) determineCanonicalizability(obj world.Object, parentCanonicalizable bool) (bool, error) {
	if s, ok := obj.(*world.Str); ok {
		return h.determineStringCanonicalizability(s, parentCanonicalizable)
	}
	return h.isCanonicalizable(obj, parentCanonicalizable), nil
}

func (h *Heap) determineStringCanonicalizability(s *world.Str, parentCanonicalizable bool) (bool, error) {
	// Strings must carry their content hash to be immutable; force its
	// computation here the way the original touched String.hashCode().
	s.Hash()
	if h.universe.HostInterned(s) {
		if _, ok := h.internedStrings[s.Value]; !ok {
			if !h.internStringsPhase.IsAllowed() {
				return false, fmt.Errorf("heap: should not intern string during phase %s: %q", h.internStringsPhase, s.Value)
			}
			// The first hosted instance seen becomes the table entry;
			// duplicates canonicalize onto it.
			h.internedStrings[s.Value] = s
		}
		return true, nil
	}
	return h.isCanonicalizable(s, parentCanonicalizable), nil
}

func (h *Heap) isCanonicalizable(obj world.Object, parentCanonicalizable bool) bool {
	result := parentCanonicalizable
	if matchesAny(h.knownNonCanonicalizable, obj) {
		result = false
	} else if matchesAny(h.knownCanonicalizable, obj) {
		result = true
	}
	return result
}

func matchesAny(preds []func(world.Object) bool, obj world.Object) bool {
	for _, p := range preds {
		if p(obj) {
			return true
		}
	}
	return false
}

// addObjectToImageHeap creates the image record for a new canonical object
// and enqueues its hub, fields, and elements.
func (h *Heap) addObjectToImageHeap(raw, original, canonical world.Object, canonicalizable, immutableFromParent bool, identityHashCode int32, reason any) error {
	t, ok := h.universe.LookupType(canonical)
	if !ok || !t.IsInstantiated() {
		return unreachableTypeError(canonical, reason)
	}

	switch class := t.(type) {
	case *world.Class:
		var hybridArray *world.Array
		var size int64

		if class.IsHybrid() {
			hl := h.hybridLayout(class)

			// The embedded array and bit set are written within the
			// hybrid object, so they may not become image objects of
			// their own.
			if bf := hl.BitsetField(); bf != nil {
				if bits := bf.Read(canonical).Ref; bits != nil {
					h.blacklist[bits] = true
				}
			}
			hybridArray = hl.ArrayField().Read(canonical).Ref.(*world.Array)
			h.blacklist[hybridArray] = true

			size = hl.TotalSize(hybridArray.Len())
		} else {
			size = class.Size
		}

		info := h.addToHeapPartition(raw, canonical, t, size, identityHashCode, canonicalizable, immutableFromParent, reason)
		h.recursiveAddObject(class.TypeHub(), canonicalizable, false, info)

		// Even if the parent is not canonicalizable, the fields may be.
		// The fields of a canonical string are immutable.
		_, fieldsAreImmutable := canonical.(*world.Str)
		for _, f := range class.Fields {
			if f.Kind == layout.Ref && f != class.HybridArrayField && f != class.HybridBitsetField && f.IsAccessed {
				h.recursiveAddObject(f.Read(canonical).Ref, canonicalizable, fieldsAreImmutable, info)
			}
		}
		if hybridArray != nil && hybridArray.Class.Elem == layout.Ref {
			h.addArrayElements(hybridArray, canonicalizable, info)
		}
		return nil

	case *world.ArrayClass:
		arr := canonical.(*world.Array)
		size := h.lay.ArraySize(class.Elem, arr.Len())
		info := h.addToHeapPartition(raw, canonical, t, size, identityHashCode, canonicalizable, immutableFromParent, reason)

		h.recursiveAddObject(class.TypeHub(), canonicalizable, false, info)
		if class.Elem == layout.Ref {
			h.addArrayElements(arr, canonicalizable, info)
		}
		return nil
	}
	panic(fmt.Sprintf("heap: unexpected image type %T", t))
}

func unreachableTypeError(obj world.Object, reason any) error {
	var sb strings.Builder
	sb.WriteString("heap: image heap writing found an object whose class was not seen as instantiated during static analysis. ")
	sb.WriteString("Did a static field or an object referenced from a static field change during image generation?\n")
	fmt.Fprintf(&sb, "  object: %v\n  reachable through:\n", obj)
	fillReasonStack(&sb, reason)
	return fmt.Errorf("%s", sb.String())
}

func fillReasonStack(sb *strings.Builder, reason any) {
	if info, ok := reason.(*ObjectInfo); ok {
		fmt.Fprintf(sb, "    object: %v  of class: %s\n", info.object, info.class.TypeName())
		fillReasonStack(sb, info.reason)
		return
	}
	fmt.Fprintf(sb, "    root: %v\n", reason)
}

// addToHeapPartition chooses the partition, fixes the object's offset, and
// records the image identity under both hosted objects.
func (h *Heap) addToHeapPartition(original, canonical world.Object, class world.Type, size int64, identityHashCode int32, canonicalizable, immutableFromParent bool, reason any) *ObjectInfo {
	immutable := h.isImmutable(canonical, canonicalizable, immutableFromParent)
	partition := h.choosePartition(class, canonical, immutable)
	info := newObjectInfo(canonical, class, partition, size, identityHashCode, h.lay, reason)
	partition.incrementSize(size)

	if _, dup := h.objects[canonical]; dup {
		panic(fmt.Sprintf("heap: object added twice: %v", canonical))
	}
	h.objects[canonical] = info
	h.infos = append(h.infos, info)
	if canonical != original {
		h.associate(original, info)
	}
	tracef("placed %v in %s at %d size %d", canonical, partition, info.offsetInPartition, size)
	return info
}

// isImmutable decides whether a hosted object is immutable in the image.
func (h *Heap) isImmutable(obj world.Object, canonicalizable, immutableFromParent bool) bool {
	if immutableFromParent {
		return true
	}
	if s, ok := obj.(*world.Str); ok {
		// A zero hash would be recomputed (and written) at run time, so
		// such strings are not immutable.
		return s.Hash() != 0
	}
	if h.knownImmutable[obj] {
		return true
	}
	return canonicalizable
}

// choosePartition selects one of the four partitions by written-ness and
// reference content.
func (h *Heap) choosePartition(t world.Type, obj world.Object, immutable bool) *Partition {
	written := false
	references := false

	switch class := t.(type) {
	case *world.Class:
		if class.IsHybrid() {
			hl := h.hybridLayout(class)
			written = written || hl.ArrayField().IsWritten
			references = references || hl.ElementKind() == layout.Ref
		}
		for _, f := range class.Fields {
			// A written final field is only written while the image is
			// built, not in the running image.
			written = written || (f.IsWritten && !f.IsFinal)
			references = references || f.Kind == layout.Ref
		}
		// A monitor slot is a written reference field.
		if class.MonitorFieldOffset != 0 {
			written = true
			references = true
			immutable = false
		}
	case *world.ArrayClass:
		written = true
		references = class.Elem == layout.Ref
	default:
		panic(fmt.Sprintf("heap: unexpected image type %T", t))
	}

	if h.cfg.UseOnlyWritableHeap {
		// Emergency use only! Alarms will sound!
		return h.writableReference
	}

	if !written || immutable {
		if references {
			return h.readOnlyReference
		}
		return h.readOnlyPrimitive
	}
	if references {
		return h.writableReference
	}
	return h.writablePrimitive
}

func (h *Heap) hybridLayout(class *world.Class) *world.HybridLayout {
	hl := h.hybridLayouts[class]
	if hl == nil {
		hl = world.NewHybridLayout(class, h.lay)
		h.hybridLayouts[class] = hl
	}
	return hl
}

// addArrayElements enqueues every element of a reference array. Class
// objects among the elements are replaced when the task is processed, so
// the hash upgrade sees the hosted class object.
func (h *Heap) addArrayElements(arr *world.Array, canonicalizable bool, reason any) {
	for _, el := range arr.Refs {
		h.recursiveAddObject(el, canonicalizable, false, reason)
	}
}

// recursiveAddObject pushes a traversal task instead of recursing, so the
// object graph depth is bounded by memory, not the call stack.
func (h *Heap) recursiveAddObject(original world.Object, parentCanonicalizable, immutableFromParent bool, reason any) {
	h.worklist = append(h.worklist, addObjectData{original, parentCanonicalizable, immutableFromParent, reason})
}

func (h *Heap) processAddObjectWorklist() error {
	for len(h.worklist) > 0 {
		data := h.worklist[len(h.worklist)-1]
		h.worklist = h.worklist[:len(h.worklist)-1]
		if err := h.AddObject(data.original, data.parentCanonicalizable, data.immutableFromParent, data.reason); err != nil {
			return err
		}
	}
	return nil
}
