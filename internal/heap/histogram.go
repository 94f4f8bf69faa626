package heap

import (
	"fmt"
	"io"
	"sort"
)

type histogramRow struct {
	class string
	count int64
	size  int64
}

// PrintHistogram prints a per-class breakdown of the whole heap and of
// each partition.
func (h *Heap) PrintHistogram(w io.Writer) {
	h.printHistogram(w, "heap", nil)
	for _, p := range h.Partitions() {
		h.printHistogram(w, p.Name(), p)
	}
}

func (h *Heap) printHistogram(w io.Writer, title string, p *Partition) {
	rows := make(map[string]*histogramRow)
	var count, size int64
	for _, info := range h.infos {
		if p != nil && info.partition != p {
			continue
		}
		name := info.class.TypeName()
		row := rows[name]
		if row == nil {
			row = &histogramRow{class: name}
			rows[name] = row
		}
		row.count++
		row.size += info.size
		count++
		size += info.size
	}

	sorted := make([]*histogramRow, 0, len(rows))
	for _, row := range rows {
		sorted = append(sorted, row)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].size != sorted[j].size {
			return sorted[i].size > sorted[j].size
		}
		return sorted[i].class < sorted[j].class
	})

	fmt.Fprintf(w, "=== %s  count: %d  size: %d ===\n", title, count, size)
	fmt.Fprintf(w, "%-40s %8s %12s\n", "class", "count", "size")
	for _, row := range sorted {
		fmt.Fprintf(w, "%-40s %8d %12d\n", row.class, row.count, row.size)
	}
}

// PrintPartitionSizes prints one line per partition.
func (h *Heap) PrintPartitionSizes(w io.Writer) {
	for _, p := range h.Partitions() {
		fmt.Fprintf(w, "partition: %s  count: %d  size: %d\n", p.Name(), p.Count(), p.Size())
	}
}
