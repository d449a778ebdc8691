package model

import "time"

type EventAction string

const (
	ActionUpsert EventAction = "upsert"
	ActionDelete EventAction = "delete"
)

// EntitlementEvent is the inbound notification of an entitlement assignment change
type EntitlementEvent struct {
	Action         EventAction `json:"action"`
	EntityKind     EntityKind  `json:"entity_type"`
	EntityUUID     string      `json:"entity_uuid"`
	AssignmentUUID string      `json:"assignment_uuid"`
	SourceKind     SourceKind  `json:"source_kind,omitempty"`
	// SourceUUID is the contract, tree node or catalogue item of the assignment
	SourceUUID            string    `json:"source_uuid,omitempty"`
	RoleUUID              string    `json:"role_uuid,omitempty"`
	RoleSystemMappingUUID string    `json:"role_system_mapping_uuid,omitempty"`
	ValidFrom             time.Time `json:"valid_from,omitempty"`
	ValidTill             time.Time `json:"valid_till,omitempty"`
	ContractValidFrom     time.Time `json:"contract_valid_from,omitempty"`
	ContractValidTill     time.Time `json:"contract_valid_till,omitempty"`
}

// Assignment builds the stored assignment with the proper source variant
func (e *EntitlementEvent) Assignment() (*EntitlementAssignment, error) {
	grant := Target{RoleUUID: e.RoleUUID, RoleSystemMappingUUID: e.RoleSystemMappingUUID}
	if grant.RoleUUID == "" && grant.RoleSystemMappingUUID == "" {
		return nil, NewValidationError("", "", "assignment %s: neither role nor role system mapping is set", e.AssignmentUUID)
	}
	window := Validity{From: e.ValidFrom, Till: e.ValidTill}
	var source EntitlementSource
	switch e.SourceKind {
	case SourceKindIdentityRole, "":
		source = &IdentityRole{Grant: grant, Window: window}
	case SourceKindContract:
		source = &ContractRole{
			ContractUUID:   e.SourceUUID,
			Grant:          grant,
			Window:         window,
			ContractWindow: Validity{From: e.ContractValidFrom, Till: e.ContractValidTill},
		}
	case SourceKindTreeNode:
		source = &TreeNodeRole{TreeNodeUUID: e.SourceUUID, Grant: grant, Window: window}
	case SourceKindRoleCatalogue:
		source = &RoleCatalogue{CatalogueUUID: e.SourceUUID, Grant: grant, Window: window}
	default:
		return nil, NewValidationError("", "", "assignment %s: unknown source kind %q", e.AssignmentUUID, e.SourceKind)
	}
	return &EntitlementAssignment{
		UUID:       e.AssignmentUUID,
		EntityKind: e.EntityKind,
		EntityUUID: e.EntityUUID,
		Source:     source,
	}, nil
}
