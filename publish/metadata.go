package publish

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/crateport/crateport/index"
)

// ValidationError rejects a publish before any side effect. The message
// is returned verbatim to the client.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Metadata is the JSON document cargo sends ahead of the crate bytes.
type Metadata struct {
	Name          string                       `json:"name"`
	Vers          string                       `json:"vers"`
	Deps          []MetadataDep                `json:"deps"`
	Features      map[string][]string          `json:"features"`
	Authors       []string                     `json:"authors"`
	Description   string                       `json:"description"`
	Documentation string                       `json:"documentation"`
	Homepage      string                       `json:"homepage"`
	Readme        string                       `json:"readme"`
	ReadmeFile    string                       `json:"readme_file"`
	Keywords      []string                     `json:"keywords"`
	Categories    []string                     `json:"categories"`
	License       string                       `json:"license"`
	LicenseFile   string                       `json:"license_file"`
	Repository    string                       `json:"repository"`
	Badges        map[string]map[string]string `json:"badges"`
	Links         string                       `json:"links"`
}

// MetadataDep is one dependency entry in the publish metadata.
type MetadataDep struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml string   `json:"explicit_name_in_toml"`
}

const (
	maxNameLen  = 64
	maxKeywords = 5
)

var depKinds = map[string]bool{"normal": true, "dev": true, "build": true}

// ValidateName checks a package name: leading letter, then letters,
// digits, hyphens and underscores, bounded length.
func ValidateName(name string) error {
	if name == "" {
		return Validationf("package name is empty")
	}
	if len(name) > maxNameLen {
		return Validationf("package name exceeds %d characters", maxNameLen)
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_'):
		default:
			return Validationf("package name %q has invalid character %q at position %d", name, c, i)
		}
	}
	return nil
}

// Validate checks the metadata document. Returns a ValidationError for
// any rule violation; category/badge problems become warnings instead.
func (m *Metadata) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(m.Vers); err != nil {
		return Validationf("version %q is not valid semver: %v", m.Vers, err)
	}
	for i, dep := range m.Deps {
		if err := ValidateName(dep.Name); err != nil {
			return Validationf("dependency %d: %v", i, err)
		}
		if dep.ExplicitNameInToml != "" {
			if err := ValidateName(dep.ExplicitNameInToml); err != nil {
				return Validationf("dependency %d rename: %v", i, err)
			}
		}
		if _, err := semver.NewConstraint(dep.VersionReq); err != nil {
			return Validationf("dependency %q requirement %q: %v", dep.Name, dep.VersionReq, err)
		}
		kind := dep.Kind
		if kind == "" {
			kind = "normal"
		}
		if !depKinds[kind] {
			return Validationf("dependency %q has unknown kind %q", dep.Name, dep.Kind)
		}
	}
	return nil
}

// IndexDeps converts the metadata dependency list to index form. A
// renamed dependency keeps the alias in name and records the real crate
// in package, the shape index consumers expect.
func (m *Metadata) IndexDeps() []index.Dependency {
	deps := make([]index.Dependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		out := index.Dependency{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
		}
		if out.Kind == "" {
			out.Kind = "normal"
		}
		if d.ExplicitNameInToml != "" {
			real := d.Name
			out.Name = d.ExplicitNameInToml
			out.Package = &real
		}
		deps = append(deps, out)
	}
	return deps
}

// Warnings is the advisory block of a publish response.
type Warnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

// CollectWarnings reports non-fatal metadata problems. Unknown
// categories and badges do not block a publish.
func (m *Metadata) CollectWarnings() Warnings {
	w := Warnings{
		InvalidCategories: []string{},
		InvalidBadges:     []string{},
		Other:             []string{},
	}
	for _, c := range m.Categories {
		if c == "" {
			w.InvalidCategories = append(w.InvalidCategories, c)
		}
	}
	for b := range m.Badges {
		w.InvalidBadges = append(w.InvalidBadges, b)
	}
	if len(m.Keywords) > maxKeywords {
		w.Other = append(w.Other, fmt.Sprintf("ignoring %d keywords beyond the limit of %d",
			len(m.Keywords)-maxKeywords, maxKeywords))
	}
	return w
}
