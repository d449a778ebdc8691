package mapping

import (
	"sort"

	"github.com/flant/negentropy/provisioning/model"
)

// Candidate is one source of values for a schema attribute
type Candidate struct {
	Mapping *model.AttributeMapping
	// Override is nil for the base system mapping
	Override              *model.AttributeMappingOverride
	RoleSystemMappingUUID string
}

func (c Candidate) Source() string {
	if c.Override == nil {
		return "mapping"
	}
	return c.RoleSystemMappingUUID
}

// PrecedencePolicy chooses exactly one candidate, which wins the attribute entirely
type PrecedencePolicy interface {
	Winner(candidates []Candidate) Candidate
}

// ByPrecedence prefers overrides to the base mapping, then higher Precedence,
// then the lowest role system mapping uuid, to be deterministic
type ByPrecedence struct{}

func (ByPrecedence) Winner(candidates []Candidate) Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.Override == nil) != (b.Override == nil) {
			return a.Override != nil
		}
		if a.Override == nil {
			return false
		}
		if a.Override.Precedence != b.Override.Precedence {
			return a.Override.Precedence > b.Override.Precedence
		}
		return a.RoleSystemMappingUUID < b.RoleSystemMappingUUID
	})
	return sorted[0]
}
