package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"bootheap/internal/buffer"
	"bootheap/internal/heap"
	"bootheap/internal/world"
)

// Section names handed to the builder. The builder only stores what it is
// given; a real link layer would choose these.
const (
	readOnlySectionName = ".rodata.heap"
	writableSectionName = ".data.heap"
)

func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	worldPath := fs.String("world", "", "world description (JSON)")
	outDir := fs.String("out", "", "output directory")
	noHeapBase := fs.Bool("no-heap-base", false, "emit relocations instead of encoded references")
	shift := fs.Uint("shift", 0, "compression shift for encoded references")
	headerBits := fs.Uint64("header-bits", 0, "object header bits ORed into hub references")
	isolates := fs.Bool("isolates", false, "spawn isolates (requires heap base)")
	onlyWritable := fs.Bool("only-writable", false, "force everything into the writable reference partition")
	histogram := fs.Bool("histogram", false, "print the heap histogram after writing")
	sizes := fs.Bool("sizes", false, "print partition sizes after writing")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worldPath == "" {
		return fmt.Errorf("--world is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}

	cfg := heap.Config{
		UseHeapBase:         !*noHeapBase,
		SpawnIsolates:       *isolates,
		CompressionShift:    *shift,
		ObjectHeaderBits:    *headerBits,
		UseOnlyWritableHeap: *onlyWritable,
		PrintHeapHistogram:  *histogram,
		PrintPartitionSizes: *sizes,
	}

	h, ro, rw, err := runBuild(*worldPath, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir out: %w", err)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "ro.bin"), ro.Bytes(), 0644); err != nil {
		return fmt.Errorf("write ro.bin: %w", err)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "rw.bin"), rw.Bytes(), 0644); err != nil {
		return fmt.Errorf("write rw.bin: %w", err)
	}
	if err := writeRelocationsJSON(*outDir, ro, rw); err != nil {
		return err
	}
	if err := writeHeapJSON(*outDir, h); err != nil {
		return err
	}

	fmt.Printf("read-only: %d bytes in %d objects\n",
		h.ReadOnlySectionSize(), h.Partitions()[0].Count()+h.Partitions()[1].Count())
	fmt.Printf("writable:  %d bytes in %d objects\n",
		h.WritableSectionSize(), h.Partitions()[2].Count()+h.Partitions()[3].Count())
	return nil
}

// runBuild loads a world and runs the full build: traversal, freezing,
// section placement, and serialization.
func runBuild(worldPath string, cfg heap.Config) (*heap.Heap, *buffer.Relocatable, *buffer.Relocatable, error) {
	u, err := world.LoadFile(worldPath)
	if err != nil {
		return nil, nil, nil, err
	}

	h, err := heap.New(u, u.Layout(), cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := h.AddInitialObjects(); err != nil {
		return nil, nil, nil, err
	}
	if err := h.AddTrailingObjects(); err != nil {
		return nil, nil, nil, err
	}

	h.SetReadOnlySection(readOnlySectionName, 0)
	h.SetWritableSection(writableSectionName, 0)

	ro := buffer.New(int(h.ReadOnlySectionSize()))
	rw := buffer.New(int(h.WritableSectionSize()))
	if err := h.WriteHeap(ro, rw); err != nil {
		return nil, nil, nil, err
	}
	return h, ro, rw, nil
}
