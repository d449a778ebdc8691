package model

import "time"

const EntitlementAssignmentType = "entitlement_assignment" // also, memdb schema name

// Validity is a time window, zero bounds are open
type Validity struct {
	From time.Time `json:"valid_from,omitempty"`
	Till time.Time `json:"valid_till,omitempty"`
}

func (v Validity) Contains(now time.Time) bool {
	if !v.From.IsZero() && now.Before(v.From) {
		return false
	}
	if !v.Till.IsZero() && now.After(v.Till) {
		return false
	}
	return true
}

func (v Validity) Future(now time.Time) bool {
	return !v.From.IsZero() && now.Before(v.From)
}

func (v Validity) Empty() bool {
	return !v.From.IsZero() && !v.Till.IsZero() && v.Till.Before(v.From)
}

// Active applies forward account management: a future window counts as active when forward is set
func (v Validity) Active(now time.Time, forward bool) bool {
	if v.Empty() {
		return false
	}
	if v.Contains(now) {
		return true
	}
	return forward && v.Future(now)
}

// Crossed reports whether a bound took effect in (since, now]: From is reached or Till is passed
func (v Validity) Crossed(since, now time.Time) bool {
	if !v.From.IsZero() && v.From.After(since) && !v.From.After(now) {
		return true
	}
	return !v.Till.IsZero() && !v.Till.Before(since) && v.Till.Before(now)
}

// Intersect returns the common part of both windows
func (v Validity) Intersect(o Validity) Validity {
	res := v
	if !o.From.IsZero() && (res.From.IsZero() || o.From.After(res.From)) {
		res.From = o.From
	}
	if !o.Till.IsZero() && (res.Till.IsZero() || o.Till.Before(res.Till)) {
		res.Till = o.Till
	}
	return res
}

type SourceKind string

const (
	SourceKindIdentityRole  SourceKind = "identity_role"
	SourceKindContract      SourceKind = "contract"
	SourceKindTreeNode      SourceKind = "tree_node"
	SourceKindRoleCatalogue SourceKind = "role_catalogue"
)

// Target is what an entitlement grants: a role (reaching its mappings and sub-roles) or one mapping directly
type Target struct {
	RoleUUID              string `json:"role_uuid,omitempty"`
	RoleSystemMappingUUID string `json:"role_system_mapping_uuid,omitempty"`
}

// EntitlementSource is the origin of an entitlement assignment
type EntitlementSource interface {
	Kind() SourceKind
	Validity() Validity
	Target() Target
}

// IdentityRole is a role held directly by an identity
type IdentityRole struct {
	Grant  Target
	Window Validity
}

func (s *IdentityRole) Kind() SourceKind   { return SourceKindIdentityRole }
func (s *IdentityRole) Validity() Validity { return s.Window }
func (s *IdentityRole) Target() Target     { return s.Grant }

// ContractRole is a role granted through a contract, valid only within the contract window
type ContractRole struct {
	ContractUUID   string
	Grant          Target
	Window         Validity
	ContractWindow Validity
}

func (s *ContractRole) Kind() SourceKind   { return SourceKindContract }
func (s *ContractRole) Validity() Validity { return s.Window.Intersect(s.ContractWindow) }
func (s *ContractRole) Target() Target     { return s.Grant }

// TreeNodeRole is an automatic role of an organizational unit
type TreeNodeRole struct {
	TreeNodeUUID string
	Grant        Target
	Window       Validity
}

func (s *TreeNodeRole) Kind() SourceKind   { return SourceKindTreeNode }
func (s *TreeNodeRole) Validity() Validity { return s.Window }
func (s *TreeNodeRole) Target() Target     { return s.Grant }

// RoleCatalogue provisions a catalogue item itself
type RoleCatalogue struct {
	CatalogueUUID string
	Grant         Target
	Window        Validity
}

func (s *RoleCatalogue) Kind() SourceKind   { return SourceKindRoleCatalogue }
func (s *RoleCatalogue) Validity() Validity { return s.Window }
func (s *RoleCatalogue) Target() Target     { return s.Grant }

type EntitlementAssignment struct {
	UUID       string            `json:"uuid"`
	EntityKind EntityKind        `json:"entity_type"`
	EntityUUID string            `json:"entity_uuid"`
	Source     EntitlementSource `json:"-"`
}

func (a *EntitlementAssignment) ObjType() string {
	return EntitlementAssignmentType
}

func (a *EntitlementAssignment) ObjId() string {
	return a.UUID
}

// RoleUUID is used by memdb index
func (a *EntitlementAssignment) RoleUUID() string {
	if a.Source == nil {
		return ""
	}
	return a.Source.Target().RoleUUID
}

// RoleSystemMappingUUID is used by memdb index
func (a *EntitlementAssignment) RoleSystemMappingUUID() string {
	if a.Source == nil {
		return ""
	}
	return a.Source.Target().RoleSystemMappingUUID
}
