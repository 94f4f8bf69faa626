package heap

import (
	"fmt"

	"bootheap/internal/layout"
)

const invalidSectionOffset = int64(-1)

// Partition is one of the four append-only regions of the image heap,
// distinguished by writability and reference content. Objects are placed
// at the running size in first-insertion order; the link layer later
// assigns the partition a place inside a named section.
type Partition struct {
	name     string
	lay      layout.Layout
	writable bool

	size  int64
	count int64

	sectionName   string
	sectionOffset int64
}

func newPartition(name string, lay layout.Layout, writable bool) *Partition {
	return &Partition{name: name, lay: lay, writable: writable, sectionOffset: invalidSectionOffset}
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

// IsWritable reports whether the partition is writable at run time.
func (p *Partition) IsWritable() bool { return p.writable }

// Size returns the running byte size: the summed sizes of the partition's
// members plus any heap-base padding.
func (p *Partition) Size() int64 { return p.size }

// Count returns the number of objects placed in the partition.
func (p *Partition) Count() int64 { return p.count }

func (p *Partition) incrementSize(n int64) {
	p.size += n
	p.count++
}

// pad grows the partition without adding an object (heap-base padding).
func (p *Partition) pad(n int64) {
	p.size += n
}

// SetSection assigns the section and in-section offset; final once set.
func (p *Partition) SetSection(name string, offset int64) {
	if p.sectionOffset != invalidSectionOffset {
		panic(fmt.Sprintf("heap: partition %s already placed in section %s", p.name, p.sectionName))
	}
	if !p.lay.IsAligned(offset) {
		panic(fmt.Sprintf("heap: partition %s: section offset %d must be aligned", p.name, offset))
	}
	p.sectionName = name
	p.sectionOffset = offset
}

// SectionName returns the assigned section name.
func (p *Partition) SectionName() string {
	if p.sectionName == "" {
		panic(fmt.Sprintf("heap: partition %s should have a section name by now", p.name))
	}
	return p.sectionName
}

// OffsetInSection translates a partition offset to a section offset.
func (p *Partition) OffsetInSection(offset int64) int64 {
	if p.sectionOffset == invalidSectionOffset {
		panic(fmt.Sprintf("heap: partition %s should have an offset by now", p.name))
	}
	return p.sectionOffset + offset
}

func (p *Partition) String() string { return p.name }
