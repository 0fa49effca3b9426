package contract

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the file form of a set of contracts:
//
//	contracts:
//	  - cell_id: sales
//	    version: "1.2.0"
//	    emits: [sales.order.created]
//	  - cell_id: inventory
//	    consumes: [sales.order.created]
type Manifest struct {
	Contracts []Contract `yaml:"contracts"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return &m, nil
		}
		return nil, fmt.Errorf("parse contract manifest: %w", err)
	}
	return &m, nil
}

// LoadManifests registers every contract in a YAML manifest. It returns the
// number of contracts registered.
func (r *Registry) LoadManifests(rd io.Reader) (int, error) {
	m, err := ParseManifest(rd)
	if err != nil {
		return 0, err
	}
	for i, c := range m.Contracts {
		if err := r.Register(c); err != nil {
			return i, fmt.Errorf("contract %d: %w", i, err)
		}
	}
	return len(m.Contracts), nil
}

// LoadManifestFile registers every contract in the manifest at path.
func (r *Registry) LoadManifestFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open contract manifest: %w", err)
	}
	defer f.Close()
	return r.LoadManifests(f)
}
