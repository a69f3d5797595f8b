// Package targets holds in-process targets that can be fuzzed without a VM.
package targets

import (
	"sort"

	"github.com/pkg/errors"

	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/spec"
)

// Entry describes one registered target.
type Entry struct {
	Name   string
	Schema func() (*spec.Schema, error)
	New    func() fuzzer.Target
}

// Spec builds the graph spec of the target.
func (e Entry) Spec() (*spec.GraphSpec, error) {
	s, err := e.Schema()
	if err != nil {
		return nil, errors.Wrapf(err, "schema of %s", e.Name)
	}
	return s.Build()
}

var registry = map[string]Entry{
	"packet": {
		Name:   "packet",
		Schema: PacketSchema,
		New:    func() fuzzer.Target { return NewPacketTarget() },
	},
}

// Lookup returns the target registered as name.
func Lookup(name string) (Entry, error) {
	e, ok := registry[name]
	if !ok {
		return Entry{}, errors.Errorf("targets: unknown target %q (have %v)", name, Names())
	}
	return e, nil
}

// Names lists the registered targets.
func Names() []string {
	var names []string
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
