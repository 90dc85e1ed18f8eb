// Package deps parses Factorio mod dependency declarations and validates
// the compatibility of a mod list. It is pure computation with no I/O.
package deps

import (
	"encoding/json"
	"strings"

	"github.com/luan/facmandu/internal/models"
)

// Kind classifies a dependency declaration.
type Kind string

const (
	KindRequired Kind = "required"
	KindOptional Kind = "optional"
	KindConflict Kind = "conflict"
)

// Declaration is a single parsed dependency entry.
type Declaration struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Conflict records one enabled mod declaring incompatibility with another
// enabled mod.
type Conflict struct {
	Mod           string `json:"mod"`
	ConflictsWith string `json:"conflictsWith"`
}

// Report is the result of validating a mod list.
type Report struct {
	MissingDependencies []string   `json:"missingDependencies"`
	Conflicts           []Conflict `json:"conflicts"`
	ConflictingMods     []string   `json:"conflictingMods"`
}

// baseMods are the built-in components that always satisfy a required
// dependency.
var baseMods = map[string]struct{}{
	"base":           {},
	"space-age":      {},
	"quality":        {},
	"elevated-rails": {},
}

// Parse parses a single raw declaration string such as
// ">= some-mod 1.2.0", "!conflicting-mod", "?optional-mod",
// "(?)optional-mod" or "~incompatible-mod".
func Parse(raw string) Declaration {
	// Drop the version constraint; only the name and prefix matter here.
	name := raw
	if i := strings.IndexAny(raw, "><="); i >= 0 {
		name = raw[:i]
	}
	name = strings.TrimSpace(name)

	kind := KindRequired
	switch {
	case strings.HasPrefix(name, "!"):
		name = strings.TrimSpace(name[1:])
		kind = KindConflict
	case strings.HasPrefix(name, "(?)"):
		name = strings.TrimSpace(name[3:])
		kind = KindOptional
	case strings.HasPrefix(name, "?"):
		name = strings.TrimSpace(name[1:])
		kind = KindOptional
	case strings.HasPrefix(name, "~"):
		// Factorio treats "incompatibility" (~) as required for activation.
		name = strings.TrimSpace(name[1:])
	}

	return Declaration{Name: name, Kind: kind}
}

// Declarations decodes the stored JSON array of raw declaration strings.
// A missing or malformed value degrades to no declarations for that mod;
// it never fails the caller.
func Declarations(encoded string) []Declaration {
	if encoded == "" {
		return nil
	}

	var raw []string
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil
	}

	decls := make([]Declaration, 0, len(raw))
	for _, r := range raw {
		decls = append(decls, Parse(r))
	}
	return decls
}

// active reports whether a mod participates in validation.
func active(m models.Mod) bool {
	return m.Enabled && !m.Icebox
}

// Validate checks every enabled, non-icebox mod's declarations against the
// rest of the list. Missing required dependencies are reported once each in
// first-seen order; conflicts are reported as pairs plus a combined name
// list covering both sides.
func Validate(mods []models.Mod) Report {
	enabled := make(map[string]struct{})
	for _, m := range mods {
		if active(m) {
			enabled[m.Name] = struct{}{}
		}
	}

	report := Report{
		MissingDependencies: []string{},
		Conflicts:           []Conflict{},
		ConflictingMods:     []string{},
	}
	seenMissing := make(map[string]struct{})
	seenConflicting := make(map[string]struct{})

	addConflicting := func(name string) {
		if _, ok := seenConflicting[name]; ok {
			return
		}
		seenConflicting[name] = struct{}{}
		report.ConflictingMods = append(report.ConflictingMods, name)
	}

	for _, m := range mods {
		if !active(m) {
			continue
		}
		for _, dep := range Declarations(m.Dependencies) {
			switch dep.Kind {
			case KindRequired:
				if _, ok := baseMods[dep.Name]; ok {
					continue
				}
				if _, ok := enabled[dep.Name]; ok {
					continue
				}
				if _, ok := seenMissing[dep.Name]; !ok {
					seenMissing[dep.Name] = struct{}{}
					report.MissingDependencies = append(report.MissingDependencies, dep.Name)
				}
			case KindConflict:
				if _, ok := enabled[dep.Name]; ok {
					report.Conflicts = append(report.Conflicts, Conflict{Mod: m.Name, ConflictsWith: dep.Name})
					addConflicting(m.Name)
					addConflicting(dep.Name)
				}
			}
		}
	}

	return report
}

// CanDisable reports whether a mod may be disabled. Essential mods can
// never be disabled. Otherwise a mod is locked while any other enabled,
// non-icebox sibling requires it.
func CanDisable(mod models.Mod, siblings []models.Mod) bool {
	if mod.Essential {
		return false
	}

	for _, sib := range siblings {
		if sib.ID == mod.ID || !active(sib) {
			continue
		}
		// Cheap raw-text check before paying for a full parse.
		if !strings.Contains(sib.Dependencies, mod.Name) {
			continue
		}
		for _, dep := range Declarations(sib.Dependencies) {
			if dep.Kind == KindRequired && dep.Name == mod.Name {
				return false
			}
		}
	}

	return true
}
