package heap

import (
	"fmt"
	"os"
	"strings"

	"bootheap/internal/buffer"
	"bootheap/internal/layout"
	"bootheap/internal/world"
)

// WriteHeap serializes the image heap model into the two relocatable
// buffers, writes the static-field payloads, and patches the partition
// boundary markers. The model must be frozen (AddTrailingObjects) and the
// partitions placed (SetReadOnlySection/SetWritableSection) first.
//
// Targets are verified by identity only: a referenced object with no image
// record aborts the build, but content mutation of a reached object after
// analysis is not detected.
func (h *Heap) WriteHeap(ro, rw *buffer.Relocatable) error {
	for _, info := range h.infos {
		if h.blacklist[info.object] {
			panic(fmt.Sprintf("heap: blacklisted object in image: %v", info.object))
		}
		if err := h.writeObject(info, ro, rw); err != nil {
			return err
		}
	}
	// Only writable static fields reach the image heap; read-only ones
	// were inlined into the code.
	if err := h.writeStaticFields(ro, rw); err != nil {
		return err
	}
	if err := h.patchPartitionBoundaries(ro, rw); err != nil {
		return err
	}

	if h.cfg.PrintHeapHistogram {
		h.PrintHistogram(os.Stdout)
	}
	if h.cfg.PrintPartitionSizes {
		h.PrintPartitionSizes(os.Stdout)
	}
	return nil
}

func (h *Heap) objectSize() int { return h.lay.WordBytes }

func (h *Heap) mustBeAligned(index int) {
	if !h.lay.IsAligned(int64(index)) {
		panic(fmt.Sprintf("heap: index %d must be aligned", index))
	}
}

func (h *Heap) bufferForPartition(info *ObjectInfo, ro, rw *buffer.Relocatable) *buffer.Relocatable {
	if info.partition.IsWritable() {
		return rw
	}
	return ro
}

func (h *Heap) writeObject(info *ObjectInfo, ro, rw *buffer.Relocatable) error {
	buf := h.bufferForPartition(info, ro, rw)

	// The hub reference lives at the hub offset from the object base.
	hubIndex := info.indexInSection(h.lay.HubOffset)
	if !h.lay.IsAligned(info.offsetInPartition) {
		panic(fmt.Sprintf("heap: object offset %d must be aligned", info.offsetInPartition))
	}
	h.mustBeAligned(hubIndex)

	if err := h.writeDynamicHub(buf, hubIndex, info.class.TypeHub()); err != nil {
		return err
	}

	switch class := info.class.(type) {
	case *world.Class:
		return h.writeInstance(buf, info, class)
	case *world.ArrayClass:
		return h.writeArray(buf, info, class)
	}
	panic(fmt.Sprintf("heap: unexpected image type %T", info.class))
}

func (h *Heap) writeInstance(buf *buffer.Relocatable, info *ObjectInfo, class *world.Class) error {
	obj := info.object

	var hl *world.HybridLayout
	var hybridArray *world.Array
	maxBitIndex := -1
	if class.IsHybrid() {
		hl = h.hybridLayouts[class]
		hybridArray = hl.ArrayField().Read(obj).Ref.(*world.Array)

		if bf := hl.BitsetField(); bf != nil {
			if bits := bf.Read(obj).Ref; bits != nil {
				// The bits live between the array length and the
				// instance fields, packed byte-wise.
				base := info.indexInSection(hl.BitFieldOffset())
				for _, bit := range bits.(*world.BitSet).SetBits() {
					index := base + bit/8
					if index > maxBitIndex {
						maxBitIndex = index
					}
					buf.OrByte(index, 1<<(bit%8))
				}
			}
		}
	}

	for _, f := range class.Fields {
		if f == class.HybridArrayField || f == class.HybridBitsetField || !f.IsAccessed {
			continue
		}
		index := info.indexInSection(f.Location)
		if index <= maxBitIndex {
			panic(fmt.Sprintf("heap: field %s overlaps the hybrid bit area", f.Name))
		}
		if err := h.writeValue(buf, index, f.Read(obj), info); err != nil {
			return err
		}
	}

	if class.HashCodeOffset != 0 {
		buf.PutUint32(info.indexInSection(class.HashCodeOffset), uint32(info.identityHashCode))
	}

	if hybridArray != nil {
		buf.PutUint32(info.indexInSection(h.lay.ArrayLengthOffset), uint32(hybridArray.Len()))
		for i := 0; i < hybridArray.Len(); i++ {
			index := info.indexInSection(hl.ArrayElementOffset(i))
			if err := h.writeValue(buf, index, hybridArray.Element(i), info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Heap) writeArray(buf *buffer.Relocatable, info *ObjectInfo, class *world.ArrayClass) error {
	arr := info.object.(*world.Array)
	buf.PutUint32(info.indexInSection(h.lay.ArrayLengthOffset), uint32(arr.Len()))
	buf.PutUint32(info.indexInSection(h.lay.ArrayHashCodeOffset), uint32(info.identityHashCode))
	for i := 0; i < arr.Len(); i++ {
		index := info.indexInSection(h.lay.ArrayElementOffset(class.Elem, i))
		if err := h.writeValue(buf, index, arr.Element(i), info); err != nil {
			return err
		}
	}
	return nil
}

// writeValue emits one field or element: a reference, a raw word, a method
// pointer relocation, or a primitive.
func (h *Heap) writeValue(buf *buffer.Relocatable, index int, v world.Value, reason any) error {
	switch v.Kind {
	case layout.Ref:
		switch target := v.Ref.(type) {
		case nil:
			return nil
		case *world.MethodPointer:
			return h.addNonDataRelocation(buf, index, target)
		case world.Word:
			h.writePointer(buf, index, uint64(target))
			return nil
		default:
			return h.writeReference(buf, index, h.universe.ReplaceObject(v.Ref), reason)
		}
	case layout.Word:
		h.writePointer(buf, index, v.Bits)
		return nil
	default:
		h.writePrimitive(buf, index, v)
		return nil
	}
}

// writeReference emits an encoded compressed reference, or records a
// relocation when references are not heap-base-relative.
func (h *Heap) writeReference(buf *buffer.Relocatable, index int, target world.Object, reason any) error {
	if target == nil {
		return nil
	}
	if _, ok := target.(world.Word); ok {
		panic("heap: word values are not references")
	}
	h.mustBeAligned(index)

	targetInfo := h.objects[target]
	if targetInfo == nil {
		return targetChangedError(target, reason)
	}
	if h.cfg.UseHeapBase {
		h.writePointer(buf, index, uint64(targetInfo.OffsetInSection())>>h.cfg.CompressionShift)
	} else {
		buf.AddDirectRelocationWithoutAddend(index, h.objectSize(), target)
	}
	return nil
}

func targetChangedError(target world.Object, reason any) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "heap: static field or an object referenced from a static field changed during image generation?\n")
	fmt.Fprintf(&sb, "  object: %v\n  reachable through:\n", target)
	fillReasonStack(&sb, reason)
	return fmt.Errorf("%s", sb.String())
}

// writeDynamicHub emits the hub reference with the object-header bits the
// runtime assigns to image objects ORed in.
func (h *Heap) writeDynamicHub(buf *buffer.Relocatable, index int, hub *world.Hub) error {
	if hub == nil {
		panic("heap: null hub found during image generation")
	}
	h.mustBeAligned(index)

	targetInfo := h.objects[hub]
	if targetInfo == nil {
		return fmt.Errorf("heap: unknown hub %v: static field or an object referenced from a static field changed during image generation?", hub)
	}

	if h.cfg.UseHeapBase {
		h.writePointer(buf, index, uint64(targetInfo.OffsetInSection())|h.cfg.ObjectHeaderBits)
	} else {
		// The hub address is patched by the link editor; the header bits
		// ride along as the addend.
		buf.AddDirectRelocationWithAddend(index, h.objectSize(), h.cfg.ObjectHeaderBits, hub)
	}
	return nil
}

// addNonDataRelocation records the relocation for a code pointer. Only
// compiled methods inserted in vtables get one; the slot of an uncompiled
// method stays zero.
func (h *Heap) addNonDataRelocation(buf *buffer.Relocatable, index int, pointer *world.MethodPointer) error {
	h.mustBeAligned(index)
	if pointer.CodeOffsetValid {
		buf.AddDirectRelocationWithoutAddend(index, h.objectSize(), pointer)
	}
	return nil
}

func (h *Heap) writePrimitive(buf *buffer.Relocatable, index int, v world.Value) {
	switch v.Kind {
	case layout.Bool, layout.Byte:
		buf.PutByte(index, byte(v.Bits))
	case layout.Char, layout.Short:
		buf.PutUint16(index, uint16(v.Bits))
	case layout.Int, layout.Float:
		buf.PutUint32(index, uint32(v.Bits))
	case layout.Long, layout.Double:
		buf.PutUint64(index, v.Bits)
	default:
		panic(fmt.Sprintf("heap: unrecognized primitive kind %v", v.Kind))
	}
}

func (h *Heap) writePointer(buf *buffer.Relocatable, index int, value uint64) {
	if h.objectSize() != 8 {
		panic("heap: pointer writes require 8-byte words")
	}
	buf.PutUint64(index, value)
}

// writeStaticFields writes every written-and-accessed static slot into its
// placeholder array. The placeholders were empty during traversal; writing
// last picks up values changed late in the build.
func (h *Heap) writeStaticFields(ro, rw *buffer.Relocatable) error {
	primitiveFields := h.objects[h.universe.StaticPrimitiveFields()]
	objectFields := h.objects[h.universe.StaticObjectFields()]
	for _, f := range h.universe.StaticFields() {
		if !f.IsWritten || !f.IsAccessed {
			continue
		}
		holder := primitiveFields
		if f.Kind == layout.Ref {
			holder = objectFields
		}
		buf := h.bufferForPartition(holder, ro, rw)
		index := holder.indexInSection(f.Location)
		if err := h.writeValue(buf, index, f.Read(nil), holder); err != nil {
			return err
		}
	}
	return nil
}

// patchPartitionBoundaries overwrites the runtime-info statics with
// references to the first and last object of each partition.
func (h *Heap) patchPartitionBoundaries(ro, rw *buffer.Relocatable) error {
	type boundary struct {
		partition *Partition
		first     string
		last      string
	}
	boundaries := []boundary{
		{h.readOnlyPrimitive, "firstReadOnlyPrimitiveObject", "lastReadOnlyPrimitiveObject"},
		{h.readOnlyReference, "firstReadOnlyReferenceObject", "lastReadOnlyReferenceObject"},
		{h.writablePrimitive, "firstWritablePrimitiveObject", "lastWritablePrimitiveObject"},
		{h.writableReference, "firstWritableReferenceObject", "lastWritableReferenceObject"},
	}
	for _, b := range boundaries {
		first, last := h.findBoundaryObjects(b.partition)
		if first == nil {
			tracef("partition %s is empty; %s left null", b.partition, b.first)
			continue
		}
		if err := h.patchRuntimeInfoField(b.first, first, ro, rw); err != nil {
			return err
		}
		if err := h.patchRuntimeInfoField(b.last, last, ro, rw); err != nil {
			return err
		}
	}
	return nil
}

// findBoundaryObjects scans the image records of one partition for the
// lowest and highest placed objects.
func (h *Heap) findBoundaryObjects(p *Partition) (first, last *ObjectInfo) {
	for _, info := range h.infos {
		if info.partition != p {
			continue
		}
		if first == nil || info.OffsetInSection() < first.OffsetInSection() {
			first = info
		}
		if last == nil || info.OffsetInSection() > last.OffsetInSection() {
			last = info
		}
	}
	return first, last
}

func (h *Heap) patchRuntimeInfoField(name string, info *ObjectInfo, ro, rw *buffer.Relocatable) error {
	f, ok := h.universe.BoundaryField(name)
	if !ok {
		panic(fmt.Sprintf("heap: no runtime info field %s", name))
	}
	staticFieldsInfo := h.objects[h.universe.StaticObjectFields()]
	index := staticFieldsInfo.indexInSection(f.Location)
	// Overwrite the null written by writeStaticFields with the actual
	// object location.
	buf := h.bufferForPartition(staticFieldsInfo, ro, rw)
	return h.writeReference(buf, index, info.object, staticFieldsInfo)
}
