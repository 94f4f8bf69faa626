package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = cmdBuild(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "histogram":
		err = cmdHistogram(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `bootheap — image heap builder

Usage:
  bootheap build     --world <file> --out <dir>   Build the image heap and write sections
  bootheap graph     --world <file> --out <dir>   Render the image reference graph as DOT
  bootheap histogram --world <file>               Print heap histogram and partition sizes

Flags:
  --world <file>        World description (JSON)
  --out <dir>           Output directory
  --no-heap-base        Emit relocations instead of encoded references
  --shift <n>           Compression shift for encoded references
  --header-bits <n>     Object header bits ORed into hub references
  --isolates            Spawn isolates (requires heap base)
  --only-writable       Force everything into the writable reference partition
  --histogram           Print the heap histogram after writing
  --sizes               Print partition sizes after writing
`)
}
