package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/internal/targets"
	"alma.local/specfuzz/spec"
)

func main() {
	var (
		specPath = flag.String("spec", "spec.msgp", "spec the graph was built for")
		target   = flag.String("target", "", "use the schema of this in-process target instead of -spec")
		dotPath  = flag.String("dot", "", "also write Graphviz output to this file")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		logrus.Fatalf("usage: graphdump [-spec spec.msgp | -target name] [-dot out.dot] input.bin")
	}

	var sp *spec.GraphSpec
	var err error
	if *target != "" {
		var e targets.Entry
		if e, err = targets.Lookup(*target); err == nil {
			sp, err = e.Spec()
		}
	} else {
		sp, err = spec.LoadSpecFile(*specPath)
	}
	if err != nil {
		logrus.Fatalf("load spec: %v", err)
	}

	g, err := graph.ReadFromFile(flag.Arg(0), sp)
	if err != nil {
		logrus.Fatalf("read graph: %v", err)
	}
	fmt.Print(graph.ToScript(g, sp))
	if *dotPath != "" {
		if err := graph.WriteDotFile(*dotPath, g, sp); err != nil {
			logrus.Fatalf("write dot: %v", err)
		}
	}
}
