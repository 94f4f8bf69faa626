package main

import (
	"flag"
	"fmt"
	"os"

	"bootheap/internal/heap"
)

func cmdHistogram(args []string) error {
	fs := flag.NewFlagSet("histogram", flag.ExitOnError)
	worldPath := fs.String("world", "", "world description (JSON)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worldPath == "" {
		return fmt.Errorf("--world is required")
	}

	h, _, _, err := runBuild(*worldPath, heap.Config{UseHeapBase: true})
	if err != nil {
		return err
	}
	h.PrintHistogram(os.Stdout)
	h.PrintPartitionSizes(os.Stdout)
	return nil
}
