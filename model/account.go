package model

import "time"

const (
	AccountType           = "account"             // also, memdb schema name
	EntityAccountLinkType = "entity_account_link" // also, memdb schema name
)

// Account is a record on a target system
type Account struct {
	UUID       string     `json:"uuid"`
	SystemUUID string     `json:"system_uuid"`
	EntityKind EntityKind `json:"entity_type"`
	EntityUUID string     `json:"entity_uuid"`
	// UID is the external uid on the target system, unique per system
	UID string `json:"uid"`
	// InProtection excludes the account from deletion and password changes
	InProtection bool      `json:"in_protection"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *Account) ObjType() string {
	return AccountType
}

func (a *Account) ObjId() string {
	return a.UUID
}

// EntityAccountLink tells why an entity holds an account
type EntityAccountLink struct {
	UUID        string `json:"uuid"`
	EntityUUID  string `json:"entity_uuid"`
	AccountUUID string `json:"account_uuid"`
	SystemUUID  string `json:"system_uuid"`
	// Ownership links keep the account alive
	Ownership             bool   `json:"ownership"`
	SourceAssignmentUUID  string `json:"source_assignment_uuid"`
	RoleSystemMappingUUID string `json:"role_system_mapping_uuid"`
}

func (l *EntityAccountLink) ObjType() string {
	return EntityAccountLinkType
}

func (l *EntityAccountLink) ObjId() string {
	return l.UUID
}

// Contribution is the pair "assignment, mapping", which causes an account link
func (l *EntityAccountLink) Contribution() ContributionKey {
	return ContributionKey{AssignmentUUID: l.SourceAssignmentUUID, RoleSystemMappingUUID: l.RoleSystemMappingUUID}
}

type ContributionKey struct {
	AssignmentUUID        string
	RoleSystemMappingUUID string
}
