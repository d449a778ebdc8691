package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	SystemType        = "system"         // also, memdb schema name
	SystemMappingType = "system_mapping" // also, memdb schema name
	RoleType          = "role"           // also, memdb schema name
)

type System struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	// ReadOnly systems never receive operations, they are only archived
	ReadOnly bool             `json:"read_only"`
	Breaker  *BreakerSettings `json:"breaker,omitempty"`
}

func (s *System) ObjType() string {
	return SystemType
}

func (s *System) ObjId() string {
	return s.UUID
}

// BreakerSettings overrides breaker defaults for one system, zero fields keep defaults
type BreakerSettings struct {
	Threshold        int      `json:"threshold,omitempty"`
	WarningThreshold int      `json:"warning_threshold,omitempty"`
	Window           Duration `json:"window,omitempty"`
}

// Duration is time.Duration written as a string, e.g. "5m"
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SystemMapping is the provisioning mapping of one entity kind onto one system schema
type SystemMapping struct {
	UUID       string     `json:"uuid"`
	SystemUUID string     `json:"system_uuid"`
	EntityKind EntityKind `json:"entity_type"`
	// ContextScript builds the mapping context once per account
	ContextScript string              `json:"context_script,omitempty"`
	Attributes    []*AttributeMapping `json:"attributes"`
}

func (m *SystemMapping) ObjType() string {
	return SystemMappingType
}

func (m *SystemMapping) ObjId() string {
	return m.UUID
}

func (m *SystemMapping) Attribute(name string) *AttributeMapping {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// UIDAttribute returns the single uid attribute or a validation error
func (m *SystemMapping) UIDAttribute() (*AttributeMapping, error) {
	var uid *AttributeMapping
	for _, a := range m.Attributes {
		if !a.UID {
			continue
		}
		if uid != nil {
			return nil, NewValidationError(a.Name, "", "mapping %s has more than one uid attribute", m.UUID)
		}
		uid = a
	}
	if uid == nil {
		return nil, NewValidationError("", "", "mapping %s has no uid attribute", m.UUID)
	}
	return uid, nil
}

// AttributeMapping binds a schema attribute to an entity property or extended attribute
type AttributeMapping struct {
	Name string `json:"name"`
	// EntityProperty is a gjson path over entity properties
	EntityProperty    string `json:"entity_property,omitempty"`
	ExtendedAttribute string `json:"extended_attribute,omitempty"`
	Script            string `json:"script,omitempty"`
	UID               bool   `json:"uid,omitempty"`
	Password          bool   `json:"password,omitempty"`
	Confidential      bool   `json:"confidential,omitempty"`
	Disabled          bool   `json:"disabled,omitempty"`
	Multivalued       bool   `json:"multivalued,omitempty"`
	// GenerateOnCreate generates an initial password when the mapping yields none
	GenerateOnCreate bool `json:"generate_on_create,omitempty"`
}

type Role struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	SubRoles []string `json:"sub_roles,omitempty"`
}

func (r *Role) ObjType() string {
	return RoleType
}

func (r *Role) ObjId() string {
	return r.UUID
}
