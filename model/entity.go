package model

const EntityType = "entity" // also, memdb schema name

// EntityKind is the kind of governance object whose entitlements drive provisioning
type EntityKind string

const (
	EntityKindIdentity EntityKind = "identity"
	EntityKindContract EntityKind = "contract"
	EntityKindTreeNode EntityKind = "tree_node"
	EntityKindRole     EntityKind = "role"
)

type Entity struct {
	UUID               string                 `json:"uuid"`
	Kind               EntityKind             `json:"entity_type"`
	Properties         map[string]interface{} `json:"properties,omitempty"`
	ExtendedAttributes map[string]interface{} `json:"extended_attributes,omitempty"`
}

func (e *Entity) ObjType() string {
	return EntityType
}

func (e *Entity) ObjId() string {
	return e.UUID
}
