package main

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/internal/targets"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

var (
	flagSpec   = flag.String("spec", "spec.msgp", "spec to generate graphs for")
	flagTarget = flag.String("target", "", "use the schema of this in-process target instead of -spec")
	flagOut    = flag.String("out", "seeds", "output directory, or zip file for -format zip")
	flagCount  = flag.Int("n", 32, "number of graphs to generate")
	flagNodes  = flag.Int("nodes", mutator.GenerateCount, "nodes per generated graph")
	flagFormat = flag.String("format", "dir", "output format: dir or zip")
	flagSeed   = flag.Uint64("seed", 0, "generator seed (0 uses the clock)")
	flagToy    = flag.String("emit-toy-spec", "", "write the spec.msgp of -target (default packet) to this path and exit")
)

func main() {
	flag.Parse()

	if *flagToy != "" {
		name := *flagTarget
		if name == "" {
			name = "packet"
		}
		if err := emitSchema(name, *flagToy); err != nil {
			logrus.Fatalf("emit spec: %v", err)
		}
		fmt.Printf("[corpus] wrote %s spec to %s\n", name, *flagToy)
		return
	}

	sp, err := loadSpec()
	if err != nil {
		logrus.Fatalf("load spec: %v", err)
	}
	format := strings.ToLower(*flagFormat)
	if format != "dir" && format != "zip" {
		logrus.Fatalf("unsupported format %q (expected dir or zip)", format)
	}

	seed := *flagSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	seeds, err := generate(sp, *flagCount, *flagNodes, seed)
	if err != nil {
		logrus.Fatalf("generate: %v", err)
	}
	if format == "dir" {
		err = emitDir(*flagOut, seeds)
	} else {
		err = emitZip(*flagOut, seeds)
	}
	if err != nil {
		logrus.Fatalf("write %s: %v", *flagOut, err)
	}
	fmt.Printf("[corpus] %d seeds -> %s (%s)\n", len(seeds), *flagOut, format)
}

func loadSpec() (*spec.GraphSpec, error) {
	if *flagTarget == "" {
		return spec.LoadSpecFile(*flagSpec)
	}
	e, err := targets.Lookup(*flagTarget)
	if err != nil {
		return nil, err
	}
	return e.Spec()
}

func emitSchema(name, path string) error {
	e, err := targets.Lookup(name)
	if err != nil {
		return err
	}
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	raw, err := schema.EncodeBytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// generate builds count random graphs of nodes nodes each and returns them
// in the graph file format.
func generate(sp *spec.GraphSpec, count, nodes int, seed uint64) ([][]byte, error) {
	m := mutator.New(sp, false)
	dist := random.NewDistributions(nil)
	master := random.NewRomuFromSeed(seed)
	var out [][]byte
	for i := 0; i < count; i++ {
		dist.SetFullSeed(master.Uint64(), master.Uint64())
		g := graph.EmptyVecGraph()
		if err := m.Generate(nodes, builder.NoSnapshot(), g, dist); err != nil {
			return nil, err
		}
		if graph.IsEmpty(g) {
			continue
		}
		out = append(out, graph.EncodeBytes(g, sp))
	}
	return out, nil
}

func seedName(seed []byte) string {
	sum := sha256.Sum256(seed)
	return hex.EncodeToString(sum[:16]) + ".bin"
}

func emitDir(dest string, seeds [][]byte) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := os.WriteFile(filepath.Join(dest, seedName(seed)), seed, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func emitZip(path string, seeds [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zipw := zip.NewWriter(f)
	for _, seed := range seeds {
		w, err := zipw.Create(seedName(seed))
		if err != nil {
			return err
		}
		if _, err := w.Write(seed); err != nil {
			return err
		}
	}
	return zipw.Close()
}
