package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bootheap/internal/buffer"
	"bootheap/internal/heap"
)

type relocationEntry struct {
	Buffer string `json:"buffer"`
	At     int    `json:"at"`
	Size   int    `json:"size"`
	Addend uint64 `json:"addend,omitempty"`
	Target string `json:"target"`
}

func writeRelocationsJSON(dir string, ro, rw *buffer.Relocatable) error {
	entries := make([]relocationEntry, 0, len(ro.Relocations())+len(rw.Relocations()))
	for _, r := range ro.Relocations() {
		entries = append(entries, relocationEntry{Buffer: "ro", At: r.At, Size: r.Size, Addend: r.Addend, Target: fmt.Sprintf("%v", r.Target)})
	}
	for _, r := range rw.Relocations() {
		entries = append(entries, relocationEntry{Buffer: "rw", At: r.At, Size: r.Size, Addend: r.Addend, Target: fmt.Sprintf("%v", r.Target)})
	}
	return writeJSON(filepath.Join(dir, "relocations.json"), entries)
}

type partitionEntry struct {
	Name     string `json:"name"`
	Writable bool   `json:"writable"`
	Count    int64  `json:"count"`
	Size     int64  `json:"size"`
	Section  string `json:"section"`
	Offset   int64  `json:"offset"`
}

type objectEntry struct {
	Class     string `json:"class"`
	Partition string `json:"partition"`
	Offset    int64  `json:"offset"`
	Size      int64  `json:"size"`
	Hash      int32  `json:"hash"`
}

type heapSummary struct {
	Partitions []partitionEntry `json:"partitions"`
	Objects    []objectEntry    `json:"objects"`
}

func writeHeapJSON(dir string, h *heap.Heap) error {
	var s heapSummary
	for _, p := range h.Partitions() {
		s.Partitions = append(s.Partitions, partitionEntry{
			Name:     p.Name(),
			Writable: p.IsWritable(),
			Count:    p.Count(),
			Size:     p.Size(),
			Section:  p.SectionName(),
			Offset:   p.OffsetInSection(0),
		})
	}
	for _, info := range h.Infos() {
		s.Objects = append(s.Objects, objectEntry{
			Class:     info.Class().TypeName(),
			Partition: info.Partition().Name(),
			Offset:    info.OffsetInSection(),
			Size:      info.Size(),
			Hash:      info.IdentityHashCode(),
		})
	}
	return writeJSON(filepath.Join(dir, "heap.json"), s)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
