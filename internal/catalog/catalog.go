// Package catalog loads the immutable dataset catalog. The catalog is read
// once at startup and passed explicitly to the orchestrator; there is no
// process-wide registry.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownDataset is returned when a lookup names a dataset the catalog
// does not contain.
var ErrUnknownDataset = errors.New("unknown dataset")

// SourceKind classifies how a descriptor's locator is fetched.
type SourceKind string

const (
	SourceRemoteArchive SourceKind = "remote-archive"
	SourceDatasetHub    SourceKind = "remote-dataset-hub"
	SourceLocal         SourceKind = "local"
)

// ArchiveFormat names the container format of a fetched dataset.
type ArchiveFormat string

const (
	ArchiveZip  ArchiveFormat = "zip"
	ArchiveTar  ArchiveFormat = "tar"
	ArchiveNone ArchiveFormat = "none"
)

// Descriptor is the immutable configuration for one dataset. Constructed at
// catalog load time and never mutated afterwards.
type Descriptor struct {
	Name                 string        `yaml:"name"`
	SourceLocator        string        `yaml:"source"`
	SourceKind           SourceKind    `yaml:"source_kind"`
	ArchiveFormat        ArchiveFormat `yaml:"archive_format"`
	DeclaredSizeMiB      float64       `yaml:"size_mib"`
	Description          string        `yaml:"description"`
	Language             string        `yaml:"language"`
	TaskType             string        `yaml:"task_type"`
	PreprocessingSteps   []string      `yaml:"preprocessing_steps"`
	ValidationChecks     []string      `yaml:"validation_checks"`
	RequiredDependencies []string      `yaml:"dependencies"`
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.SourceLocator == "" {
		return fmt.Errorf("source is required")
	}
	switch d.SourceKind {
	case SourceRemoteArchive, SourceDatasetHub, SourceLocal:
	default:
		return fmt.Errorf("invalid source_kind %q", d.SourceKind)
	}
	switch d.ArchiveFormat {
	case ArchiveZip, ArchiveTar, ArchiveNone:
	default:
		return fmt.Errorf("invalid archive_format %q", d.ArchiveFormat)
	}
	if d.DeclaredSizeMiB < 0 {
		return fmt.Errorf("size_mib must be >= 0")
	}
	return nil
}

// Catalog maps dataset names to descriptors. Exactly one descriptor exists
// per name.
type Catalog struct {
	byName map[string]Descriptor
}

type catalogFile struct {
	Datasets []Descriptor `yaml:"datasets"`
}

// LoadFile reads a catalog YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return New(f.Datasets)
}

// New builds a catalog from descriptors, rejecting duplicates.
func New(descriptors []Descriptor) (*Catalog, error) {
	byName := make(map[string]Descriptor, len(descriptors))
	for i, d := range descriptors {
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("datasets[%d] (%s): %w", i, d.Name, err)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate dataset name %q", d.Name)
		}
		// Defaults matching the common catalog shape.
		if d.Language == "" {
			d.Language = "ru"
		}
		if d.TaskType == "" {
			d.TaskType = "general"
		}
		byName[d.Name] = d
	}
	return &Catalog{byName: byName}, nil
}

// Lookup resolves a dataset name to its descriptor.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	return d, nil
}

// Len returns the number of datasets in the catalog.
func (c *Catalog) Len() int {
	return len(c.byName)
}

// Names returns all dataset names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByTask returns the names of datasets with the given task type, sorted.
func (c *Catalog) ByTask(taskType string) []string {
	var names []string
	for name, d := range c.byName {
		if d.TaskType == taskType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MaxSizeMiB returns datasets no larger than limit, largest first.
func (c *Catalog) MaxSizeMiB(limit float64) []Descriptor {
	var out []Descriptor
	for _, d := range c.byName {
		if d.DeclaredSizeMiB <= limit {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeclaredSizeMiB != out[j].DeclaredSizeMiB {
			return out[i].DeclaredSizeMiB > out[j].DeclaredSizeMiB
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// All returns every descriptor, sorted by name.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.byName))
	for _, name := range c.Names() {
		out = append(out, c.byName[name])
	}
	return out
}
