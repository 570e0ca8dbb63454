// Package cmr defines explicit variant types for upstream catalog records.
// Known fields are typed; everything else is preserved untouched in Raw so
// round-tripping a record never loses information.
package cmr

import (
	"encoding/json"
)

// Collection is a dataset-level catalog record.
type Collection struct {
	ID         string   `json:"id"`
	ShortName  string   `json:"short_name"`
	VersionID  string   `json:"version_id"`
	Title      string   `json:"title,omitempty"`
	DataCenter string   `json:"data_center,omitempty"`
	BoxesS     []string `json:"boxes,omitempty"`
	// Associations carries the IDs of related variable/service/grid records.
	Associations *Associations `json:"associations,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Associations links a collection to its related records.
type Associations struct {
	Variables      []string `json:"variables,omitempty"`
	Services       []string `json:"services,omitempty"`
	Grids          []string `json:"grids,omitempty"`
	Visualizations []string `json:"visualizations,omitempty"`
}

// Variable is a UMM-Var record.
type Variable struct {
	ID       string `json:"concept_id"`
	Name     string `json:"name"`
	LongName string `json:"long_name,omitempty"`
	Units    string `json:"units,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Service is a UMM-S record describing a deployed transformation service.
type Service struct {
	ID   string `json:"concept_id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Grid is a UMM-Grid record.
type Grid struct {
	ID   string `json:"concept_id"`
	Name string `json:"name"`

	Raw json.RawMessage `json:"-"`
}

// Visualization is a UMM-Vis record associated with a collection or variable.
type Visualization struct {
	ID   string `json:"concept_id"`
	Name string `json:"name"`

	Raw json.RawMessage `json:"-"`
}

// Permission is a catalog ACL verdict for a (user, collection) pair.
type Permission struct {
	ConceptID string   `json:"concept_id"`
	Grants    []string `json:"grants"`

	Raw json.RawMessage `json:"-"`
}

func (c *Collection) UnmarshalJSON(data []byte) error {
	type alias Collection
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Collection(a)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	type alias Variable
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = Variable(a)
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s *Service) UnmarshalJSON(data []byte) error {
	type alias Service
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Service(a)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (g *Grid) UnmarshalJSON(data []byte) error {
	type alias Grid
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = Grid(a)
	g.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (v *Visualization) UnmarshalJSON(data []byte) error {
	type alias Visualization
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = Visualization(a)
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	type alias Permission
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Permission(a)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}
