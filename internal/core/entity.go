package core

import (
	"errors"
	"sort"
)

// Reference is a header-level foreign key resolved against another
// entity's mapping table and stored in a mapped_* column.
type Reference struct {
	Name        string // column suffix: mapped_<name>
	Entity      string // referenced entity type
	SourceField string // source column holding the source id
	Required    bool   // unresolved required refs skip the record
}

// NaturalKey identifies an existing target record when the API reports
// a duplicate. Field is both the payload key and the query field.
type NaturalKey struct {
	Field string
}

// BuildFunc turns one source record into a target document.
// It must be pure: every lookup goes through in.Refs.
type BuildFunc func(in BuildInput) BuildResult

// EntityDefinition contains everything needed to migrate one entity type.
type EntityDefinition struct {
	Name      string // mapping identity, e.g. "Invoice"
	APIEntity string // target API entity, defaults to Name
	Order     int    // dependency order for RunAll

	SourceTable string
	IDColumn    string // defaults to "Id"
	SortColumn  string // defaults to IDColumn

	LineTable        string // optional line rows
	LineParentColumn string

	// DocNumberColumn names the human-facing number column; empty when the
	// entity has none and duplicate-key resolution is skipped.
	DocNumberColumn string

	NaturalKey *NaturalKey
	References []Reference

	// LineDependencies lists entities resolved inside Build (e.g. items on lines).
	LineDependencies []string

	Build BuildFunc
}

// HasDocNumber reports whether duplicate-key resolution applies.
func (d EntityDefinition) HasDocNumber() bool {
	return d.DocNumberColumn != ""
}

// MappingTable returns the entity's mapping table name.
func (d EntityDefinition) MappingTable() string {
	return MappingTable(d.Name)
}

// Dependencies returns every entity this one resolves references against.
func (d EntityDefinition) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(e string) {
		if e != "" && !seen[e] {
			seen[e] = true
			deps = append(deps, e)
		}
	}
	for _, r := range d.References {
		add(r.Entity)
	}
	for _, e := range d.LineDependencies {
		add(e)
	}
	sort.Strings(deps)
	return deps
}

// RefColumns returns the mapped_* column names in declaration order.
func (d EntityDefinition) RefColumns() []string {
	cols := make([]string, len(d.References))
	for i, r := range d.References {
		cols[i] = RefColumn(r.Name)
	}
	return cols
}

func (d EntityDefinition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("name required")
	case d.SourceTable == "":
		return errors.New("source table required")
	case d.Build == nil:
		return errors.New("build func required")
	case d.LineTable != "" && d.LineParentColumn == "":
		return errors.New("line parent column required with line table")
	}
	seen := make(map[string]bool)
	for _, r := range d.References {
		if r.Name == "" || r.Entity == "" || r.SourceField == "" {
			return errors.New("reference requires name, entity and source field")
		}
		if seen[RefColumn(r.Name)] {
			return errors.New("duplicate reference " + r.Name)
		}
		seen[RefColumn(r.Name)] = true
	}
	return nil
}

// EntityInfo is the public description of a registered entity.
type EntityInfo struct {
	Name         string   `json:"name"`
	APIEntity    string   `json:"apiEntity"`
	Order        int      `json:"order"`
	SourceTable  string   `json:"sourceTable"`
	LineTable    string   `json:"lineTable,omitempty"`
	DocNumber    bool     `json:"docNumber"`
	NaturalKey   string   `json:"naturalKey,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Info describes the definition for listings.
func (d EntityDefinition) Info() EntityInfo {
	info := EntityInfo{
		Name:         d.Name,
		APIEntity:    d.APIEntity,
		Order:        d.Order,
		SourceTable:  d.SourceTable,
		LineTable:    d.LineTable,
		DocNumber:    d.HasDocNumber(),
		Dependencies: d.Dependencies(),
	}
	if d.NaturalKey != nil {
		info.NaturalKey = d.NaturalKey.Field
	}
	return info
}
