package flow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedData is the content of a data file for local runs.
type SeedData struct {
	Projects []Project           `yaml:"projects"`
	Pages    []Page              `yaml:"pages"`
	Records  map[string][]Record `yaml:"records"`
}

// DecodeFlow reads a flow definition in YAML (or JSON, which YAML accepts).
func DecodeFlow(r io.Reader) (*Flow, error) {
	var f Flow
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if len(f.Design.Nodes) == 0 {
		return nil, malformed("flow %q has no nodes", f.ID)
	}
	return &f, nil
}

// LoadSeed reads a data file into the store. Integer record values become
// float64 so they compare the same as records read from Postgres.
func LoadSeed(r io.Reader, store *MemoryStore) error {
	var data SeedData
	if err := yaml.NewDecoder(r).Decode(&data); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range data.Projects {
		store.AddProject(p)
	}
	store.AddPages(data.Pages...)
	for formID, records := range data.Records {
		var recs []Record
		if err := decodeInto(records, &recs); err != nil {
			return fmt.Errorf("records of %q: %w", formID, err)
		}
		store.Seed(formID, recs...)
	}
	return nil
}
