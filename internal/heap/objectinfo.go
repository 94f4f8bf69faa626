package heap

import (
	"fmt"
	"strings"

	"bootheap/internal/layout"
	"bootheap/internal/world"
)

// ObjectInfo is the image record of one canonical object: where it lives
// and what identity it carries. Offset and size are fixed at insertion;
// the identity hash may be upgraded exactly once, from a hub-derived value
// to the host class object's value, when the same image object is reached
// from both hosts.
type ObjectInfo struct {
	object    world.Object
	class     world.Type
	partition *Partition

	offsetInPartition int64
	size              int64

	identityHashCode int32
	hashUpgraded     bool

	// reason is provenance for error messages only: the parent ObjectInfo
	// or a root tag.
	reason any
}

func newObjectInfo(obj world.Object, class world.Type, partition *Partition, size int64, identityHashCode int32, lay layout.Layout, reason any) *ObjectInfo {
	if !lay.IsAligned(partition.Size()) {
		panic(fmt.Sprintf("heap: start %d must be aligned", partition.Size()))
	}
	if !lay.IsAligned(size) {
		panic(fmt.Sprintf("heap: size %d must be aligned", size))
	}
	return &ObjectInfo{
		object:            obj,
		class:             class,
		partition:         partition,
		offsetInPartition: partition.Size(),
		size:              size,
		identityHashCode:  identityHashCode,
		reason:            reason,
	}
}

// Object returns the canonical hosted object.
func (info *ObjectInfo) Object() world.Object { return info.object }

// Class returns the image type.
func (info *ObjectInfo) Class() world.Type { return info.class }

// Partition returns the heap partition holding the object.
func (info *ObjectInfo) Partition() *Partition { return info.partition }

// OffsetInPartition returns the byte offset within the partition.
func (info *ObjectInfo) OffsetInPartition() int64 { return info.offsetInPartition }

// OffsetInSection returns the byte offset within the containing section.
func (info *ObjectInfo) OffsetInSection() int64 {
	return info.partition.OffsetInSection(info.offsetInPartition)
}

// Size returns the reference-aligned byte size.
func (info *ObjectInfo) Size() int64 { return info.size }

// IdentityHashCode returns the image identity hash.
func (info *ObjectInfo) IdentityHashCode() int32 { return info.identityHashCode }

// indexInSection returns the buffer index of a byte offset within the
// object.
func (info *ObjectInfo) indexInSection(offset int64) int {
	if offset < 0 || offset >= info.size {
		panic(fmt.Sprintf("heap: index %d out of bounds [0 .. %d)", offset, info.size))
	}
	return int(info.OffsetInSection() + offset)
}

// update reconciles the identity hash when the same image object was
// reached through another hosted object. Only the host class object may
// win over a hub-derived hash, and only once.
func (info *ObjectInfo) update(original world.Object, identityHashCode int32) {
	if info.identityHashCode == identityHashCode {
		return
	}
	if _, ok := original.(*world.ClassObject); ok && !info.hashUpgraded {
		info.identityHashCode = identityHashCode
		info.hashUpgraded = true
	}
}

func (info *ObjectInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s -> ", info.class.TypeName())
	cur := info.reason
	var prev any
	skipped := false
	for {
		r, ok := cur.(*ObjectInfo)
		if !ok {
			break
		}
		skipped = prev != nil
		prev = cur
		cur = r.reason
	}
	if skipped {
		sb.WriteString("... -> ")
	}
	if prev != nil {
		fmt.Fprintf(&sb, "%v", prev)
	} else {
		fmt.Fprintf(&sb, "%v", cur)
	}
	return sb.String()
}
