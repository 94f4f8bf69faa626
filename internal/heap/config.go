package heap

import "fmt"

// Config is the build configuration the original kept in process-wide
// singletons: reference encoding, object-header policy, and diagnostics.
// One Config serves exactly one build.
type Config struct {
	// UseHeapBase selects heap-base-relative reference encoding: outgoing
	// references are written as in-section offsets shifted right by
	// CompressionShift. Without it, every reference becomes a relocation.
	UseHeapBase      bool
	SpawnIsolates    bool // requires UseHeapBase
	CompressionShift uint

	// ObjectHeaderBits is ORed into every hub reference; the runtime uses
	// it to recognize image objects.
	ObjectHeaderBits uint64

	// UseOnlyWritableHeap forces every object into the writable reference
	// partition. Emergency use only; incompatible with SpawnIsolates.
	UseOnlyWritableHeap bool

	PrintHeapHistogram  bool
	PrintPartitionSizes bool
}

func (c Config) validate() error {
	if c.SpawnIsolates && !c.UseHeapBase {
		return fmt.Errorf("heap: SpawnIsolates requires UseHeapBase")
	}
	if c.UseOnlyWritableHeap && c.SpawnIsolates {
		return fmt.Errorf("heap: UseOnlyWritableHeap is incompatible with SpawnIsolates")
	}
	return nil
}
