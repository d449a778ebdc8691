package mapping

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"

	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/script"
)

// Value is the desired value of one schema attribute
type Value struct {
	Attribute        string
	Value            interface{}
	Multivalued      bool
	Password         bool
	Confidential     bool
	GenerateOnCreate bool
	// Source is "mapping" or the winning role system mapping
	Source string
}

type Result struct {
	UID string
	// Attributes contains only not omitted attributes
	Attributes map[string]*Value
	// Omitted are disabled attributes and attributes with null value
	Omitted map[string]*model.AttributeMapping
	Context script.Context
}

// Engine computes desired attributes of an account from entity data, mapping and role overrides
type Engine struct {
	scripts *script.Engine
	policy  PrecedencePolicy
	logger  log.Logger
}

func NewEngine(scripts *script.Engine, policy PrecedencePolicy, logger log.Logger) *Engine {
	if policy == nil {
		policy = ByPrecedence{}
	}
	return &Engine{scripts: scripts, policy: policy, logger: logger.Named("MappingEngine")}
}

// entityData caches json of entity properties for gjson paths
type entityData struct {
	entity *model.Entity
	json   []byte
}

func newEntityData(entity *model.Entity) (*entityData, error) {
	data, err := json.Marshal(entity.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %s properties: %w", entity.UUID, err)
	}
	return &entityData{entity: entity, json: data}, nil
}

func (d *entityData) property(path string) interface{} {
	res := gjson.GetBytes(d.json, path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// MappingContext runs mapping-level script, empty script gives empty context
func (e *Engine) MappingContext(ctx context.Context, entity *model.Entity, mapping *model.SystemMapping) (script.Context, error) {
	if mapping.ContextScript == "" {
		return script.Context{}, nil
	}
	return e.scripts.EvalContext(ctx, mapping.ContextScript, entity)
}

// Compute evaluates all attributes of the mapping. Any fatal attribute error fails the whole account.
func (e *Engine) Compute(ctx context.Context, entity *model.Entity, mapping *model.SystemMapping,
	contributions []*model.RoleSystemMapping) (*Result, error) {
	uidAttr, err := mapping.UIDAttribute()
	if err != nil {
		return nil, err
	}
	data, err := newEntityData(entity)
	if err != nil {
		return nil, err
	}
	mctx, err := e.MappingContext(ctx, entity, mapping)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Attributes: map[string]*Value{},
		Omitted:    map[string]*model.AttributeMapping{},
		Context:    mctx,
	}
	for _, attr := range mapping.Attributes {
		winner := e.policy.Winner(candidates(attr, contributions))
		value, err := e.evaluate(ctx, data, mctx, winner)
		if err != nil {
			return nil, err
		}
		if value == nil {
			res.Omitted[attr.Name] = attr
			continue
		}
		res.Attributes[attr.Name] = value
	}
	uid, ok := res.Attributes[uidAttr.Name]
	if !ok {
		return nil, model.NewTransformationError(uidAttr.Name, uidAttr.Script, fmt.Errorf("uid attribute has no value"))
	}
	if res.UID, err = uidString(uidAttr, uid.Value); err != nil {
		return nil, err
	}
	return res, nil
}

// ComputeUID evaluates only uid attribute as seen through one role system mapping,
// nil rsm means the base mapping
func (e *Engine) ComputeUID(ctx context.Context, entity *model.Entity, mapping *model.SystemMapping,
	rsm *model.RoleSystemMapping) (string, error) {
	uidAttr, err := mapping.UIDAttribute()
	if err != nil {
		return "", err
	}
	data, err := newEntityData(entity)
	if err != nil {
		return "", err
	}
	mctx, err := e.MappingContext(ctx, entity, mapping)
	if err != nil {
		return "", err
	}
	var contributions []*model.RoleSystemMapping
	if rsm != nil {
		contributions = append(contributions, rsm)
	}
	value, err := e.evaluate(ctx, data, mctx, e.policy.Winner(candidates(uidAttr, contributions)))
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", model.NewTransformationError(uidAttr.Name, uidAttr.Script, fmt.Errorf("uid attribute has no value"))
	}
	return uidString(uidAttr, value.Value)
}

func uidString(attr *model.AttributeMapping, value interface{}) (string, error) {
	uid, ok := value.(string)
	if !ok || uid == "" {
		return "", model.NewTransformationError(attr.Name, attr.Script, fmt.Errorf("uid should be not empty string, got %#v", value))
	}
	return uid, nil
}

func candidates(attr *model.AttributeMapping, contributions []*model.RoleSystemMapping) []Candidate {
	res := []Candidate{{Mapping: attr}}
	for _, rsm := range contributions {
		if o := rsm.Override(attr.Name); o != nil {
			res = append(res, Candidate{Mapping: attr, Override: o, RoleSystemMappingUUID: rsm.UUID})
		}
	}
	return res
}

// evaluate returns nil for omitted attribute
func (e *Engine) evaluate(ctx context.Context, data *entityData, mctx script.Context, c Candidate) (*Value, error) {
	attr := c.Mapping
	property, extended, src, disabled, confidential := attr.EntityProperty, attr.ExtendedAttribute, attr.Script, attr.Disabled, attr.Confidential
	if o := c.Override; o != nil {
		disabled = o.Disabled
		confidential = confidential || o.Confidential
		if o.EntityProperty != "" || o.ExtendedAttribute != "" {
			property, extended = o.EntityProperty, o.ExtendedAttribute
		}
		if o.Script != "" {
			src = o.Script
		}
	}
	if disabled {
		return nil, nil
	}

	var raw interface{}
	switch {
	case property != "":
		raw = data.property(property)
	case extended != "":
		raw = data.entity.ExtendedAttributes[extended]
	}
	value := raw
	if src != "" {
		var err error
		value, err = e.scripts.EvalAttribute(ctx, attr.Name, src, raw, mctx, data.entity)
		if err != nil {
			return nil, err
		}
	}
	if value == nil {
		return nil, nil
	}
	if attr.Password {
		if _, ok := value.(model.GuardedString); !ok {
			return nil, model.NewTransformationError(attr.Name, src,
				fmt.Errorf("password attribute must be guarded value, got %T", value))
		}
	}
	if attr.Multivalued {
		value = Values(value)
	}
	return &Value{
		Attribute:        attr.Name,
		Value:            value,
		Multivalued:      attr.Multivalued,
		Password:         attr.Password,
		Confidential:     confidential || attr.Password,
		GenerateOnCreate: attr.GenerateOnCreate,
		Source:           c.Source(),
	}, nil
}
