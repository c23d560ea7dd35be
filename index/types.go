// Package index maintains the git-backed package index: one JSON line
// per published version, appended to a per-package file laid out the way
// cargo clients expect, committed with a configured identity and
// optionally synchronized with a remote mirror.
package index

import (
	"encoding/json"
	"fmt"
)

// Record is one line of a package's index file.
type Record struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dependency        `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    string              `json:"links,omitempty"`
}

// Dependency is a dependency entry inside an index Record.
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry,omitempty"`
	Package         *string  `json:"package,omitempty"`
}

// normalize replaces nil collections so records marshal as [] and {}
// rather than null, which some client parsers reject.
func (r *Record) normalize() {
	if r.Deps == nil {
		r.Deps = []Dependency{}
	}
	for i := range r.Deps {
		if r.Deps[i].Features == nil {
			r.Deps[i].Features = []string{}
		}
	}
	if r.Features == nil {
		r.Features = map[string][]string{}
	}
}

// EncodeLine serializes the record as a single index line.
func (r Record) EncodeLine() ([]byte, error) {
	r.normalize()
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode index record %s@%s: %w", r.Name, r.Vers, err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses a single index line.
func DecodeLine(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("decode index line: %w", err)
	}
	return r, nil
}
