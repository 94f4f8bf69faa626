package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"bootheap/internal/heap"
	"bootheap/internal/layout"
	"bootheap/internal/world"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	worldPath := fs.String("world", "", "world description (JSON)")
	outDir := fs.String("out", "", "output directory")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worldPath == "" {
		return fmt.Errorf("--world is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}

	h, _, _, err := runBuild(*worldPath, heap.Config{UseHeapBase: true})
	if err != nil {
		return err
	}

	g := buildHeapGraph(h)
	dot := render.DOT(g, "imageheap")

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir out: %w", err)
	}
	dotPath := filepath.Join(*outDir, "heap.dot")
	if err := os.WriteFile(dotPath, []byte(dot), 0644); err != nil {
		return fmt.Errorf("write heap dot: %w", err)
	}
	fmt.Printf("wrote %s (%d nodes, %d edges)\n", dotPath, len(g.Nodes), len(g.Edges))
	return nil
}

// buildHeapGraph maps the written image heap to a lattice graph: one node
// per image object, one edge per hub reference, accessed reference field,
// and reference-array element. References held in static-field slots and
// in hybrid-embedded arrays are not drawn.
func buildHeapGraph(h *heap.Heap) *lattice.Graph {
	g := &lattice.Graph{}
	for _, info := range h.Infos() {
		name := nodeName(info)
		g.Nodes = append(g.Nodes, name)

		addEdge := func(target world.Object) {
			target = h.Universe().ReplaceObject(target)
			if target == nil {
				return
			}
			ti := h.GetObjectInfo(target)
			if ti == nil {
				return
			}
			g.Edges = append(g.Edges, lattice.Edge{Caller: name, Callee: nodeName(ti)})
		}

		addEdge(info.Class().TypeHub())
		switch class := info.Class().(type) {
		case *world.Class:
			for _, f := range class.Fields {
				if f.Kind != layout.Ref || !f.IsAccessed || f == class.HybridArrayField || f == class.HybridBitsetField {
					continue
				}
				addEdge(f.Read(info.Object()).Ref)
			}
		case *world.ArrayClass:
			if class.Elem == layout.Ref {
				for _, el := range info.Object().(*world.Array).Refs {
					addEdge(el)
				}
			}
		}
	}
	g.Dedup()
	return g
}

func nodeName(info *heap.ObjectInfo) string {
	return fmt.Sprintf("%s %s+0x%x", info.Class().TypeName(), info.Partition().Name(), info.OffsetInPartition())
}
