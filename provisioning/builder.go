package provisioning

import (
	"context"
	"errors"
	"fmt"

	log "github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-password/password"

	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/connector"
	"github.com/flant/negentropy/provisioning/mapping"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/secret"
	"github.com/flant/negentropy/provisioning/uuid"
)

// BuildRequest describes one provisioning pass of an account
type BuildRequest struct {
	Type    model.OperationType
	System  *model.System
	Account *model.Account
	// Entity and Mapping are not needed for DELETE
	Entity        *model.Entity
	Mapping       *model.SystemMapping
	Contributions []*model.RoleSystemMapping
	// PasswordChange is set only by an explicit password change
	PasswordChange *model.GuardedString
	// PasswordOnly drops all attributes except password
	PasswordOnly bool
	// Baseline holds target values read in advance, the connector is read when it is nil
	Baseline map[string]interface{}
}

// Baselines are target values read ahead of a write transaction: account uuid -> attribute -> value
type Baselines map[string]map[string]interface{}

// stagedSecrets are confidential values of a built operation by secret key, not stored yet
type stagedSecrets map[string]model.GuardedString

// BuildError keeps the operation which failed to build, to be archived
type BuildError struct {
	Operation *model.ProvisioningOperation
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s operation for %s: %s", e.Operation.Type, e.Operation.UID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type PasswordGenerator func() (string, error)

func DefaultPasswordGenerator() (string, error) {
	return password.Generate(24, 4, 4, false, false)
}

// Builder turns the desired state of an account into an operation
type Builder struct {
	engine     *mapping.Engine
	connectors connector.Registry
	secrets    secret.Store
	clock      clock.Clock
	generate   PasswordGenerator
	logger     log.Logger
}

func NewBuilder(engine *mapping.Engine, connectors connector.Registry, secrets secret.Store,
	clk clock.Clock, logger log.Logger) *Builder {
	return &Builder{
		engine:     engine,
		connectors: connectors,
		secrets:    secrets,
		clock:      clk,
		generate:   DefaultPasswordGenerator,
		logger:     logger.Named("OperationBuilder"),
	}
}

func (b *Builder) WithPasswordGenerator(generate PasswordGenerator) *Builder {
	b.generate = generate
	return b
}

func (b *Builder) skeleton(req BuildRequest) *model.ProvisioningOperation {
	return &model.ProvisioningOperation{
		UUID:        uuid.New(),
		SystemUUID:  req.System.UUID,
		UID:         req.Account.UID,
		EntityKind:  req.Account.EntityKind,
		EntityUUID:  req.Account.EntityUUID,
		Type:        req.Type,
		AccountUUID: req.Account.UUID,
		CreatedAt:   b.clock.Now(),
		State:       model.StateCreated,
	}
}

// Build returns nil operation if an UPDATE has nothing to change.
// Failures are *BuildError, the operation inside never reaches a batch.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*model.ProvisioningOperation, error) {
	op, staged, err := b.build(ctx, req)
	if err != nil || op == nil {
		return op, err
	}
	if err = b.storeSecrets(ctx, staged); err != nil {
		op.Attributes = nil
		return nil, b.fail(op, err)
	}
	return op, nil
}

// build leaves confidential values staged, the caller stores them
func (b *Builder) build(ctx context.Context, req BuildRequest) (*model.ProvisioningOperation, stagedSecrets, error) {
	op := b.skeleton(req)
	if req.Type == model.OperationDelete {
		return op, nil, nil
	}
	if req.Type == model.OperationUpdate && req.Account.InProtection && req.PasswordOnly {
		return nil, nil, nil
	}

	desired, err := b.engine.Compute(ctx, req.Entity, req.Mapping, req.Contributions)
	if err != nil {
		return nil, nil, b.fail(op, err)
	}
	uidAttr, err := req.Mapping.UIDAttribute()
	if err != nil {
		return nil, nil, b.fail(op, err)
	}

	var attributes map[string]interface{}
	switch req.Type {
	case model.OperationCreate:
		attributes, err = b.createAttributes(req, desired, uidAttr)
	case model.OperationUpdate:
		attributes = b.updateAttributes(ctx, req, desired)
	default:
		err = model.NewValidationError("", "", "unknown operation type %q", req.Type)
	}
	if err != nil {
		return nil, nil, b.fail(op, err)
	}
	if req.Type == model.OperationUpdate && len(attributes) == 0 {
		return nil, nil, nil
	}
	var staged stagedSecrets
	op.Attributes, staged = b.protect(op.UUID, attributes, desired)
	b.logger.Debug("built", "operation", op.Type, "uid", op.UID, "attributes", len(op.Attributes))
	return op, staged, nil
}

func (b *Builder) fail(op *model.ProvisioningOperation, err error) error {
	op.State = model.StateException
	op.Result = model.ResultFromError(model.KindOf(err), err)
	b.logger.Warn("build failed", "operation", op.Type, "uid", op.UID, "err", err)
	return &BuildError{Operation: op, Err: err}
}

func (b *Builder) createAttributes(req BuildRequest, desired *mapping.Result,
	uidAttr *model.AttributeMapping) (map[string]interface{}, error) {
	attributes := make(map[string]interface{}, len(desired.Attributes)+1)
	for name, v := range desired.Attributes {
		attributes[name] = v.Value
	}
	attributes[uidAttr.Name] = req.Account.UID

	pwdAttr := passwordAttribute(req.Mapping)
	if pwdAttr == nil {
		return attributes, nil
	}
	switch {
	case req.PasswordChange != nil:
		attributes[pwdAttr.Name] = *req.PasswordChange
	case attributes[pwdAttr.Name] == nil && pwdAttr.GenerateOnCreate:
		generated, err := b.generate()
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
		attributes[pwdAttr.Name] = model.NewGuardedString(generated)
	}
	return attributes, nil
}

// updateAttributes diffs desired values with the target system state, password goes only on explicit change
func (b *Builder) updateAttributes(ctx context.Context, req BuildRequest, desired *mapping.Result) map[string]interface{} {
	attributes := map[string]interface{}{}
	pwdAttr := passwordAttribute(req.Mapping)
	if req.PasswordChange != nil && pwdAttr != nil && !req.Account.InProtection {
		attributes[pwdAttr.Name] = *req.PasswordChange
	}
	if req.PasswordOnly {
		return attributes
	}

	current := b.currentValues(ctx, req)
	for _, attr := range req.Mapping.Attributes {
		if attr.UID || attr.Password {
			continue
		}
		want, ok := desired.Attributes[attr.Name]
		var wantValue interface{}
		if ok {
			wantValue = want.Value
			if want.Confidential {
				// confidential values can't be compared with target
				attributes[attr.Name] = wantValue
				continue
			}
		}
		value, found := current(attr.Name)
		if !found {
			if ok {
				attributes[attr.Name] = wantValue
			}
			continue
		}
		if mapping.Equal(value, wantValue, attr.Multivalued) {
			continue
		}
		// nil clears the attribute at the target
		attributes[attr.Name] = wantValue
	}
	return attributes
}

// currentValues looks target values up in the baseline, or reads them from the connector without one
func (b *Builder) currentValues(ctx context.Context, req BuildRequest) func(attribute string) (interface{}, bool) {
	if req.Baseline != nil {
		return func(attribute string) (interface{}, bool) {
			v, ok := req.Baseline[attribute]
			return v, ok
		}
	}
	conn, err := b.connectors.Connector(req.System.UUID)
	if err != nil {
		b.logger.Debug("no connector for diff baseline", "system", req.System.UUID)
		return func(string) (interface{}, bool) { return nil, false }
	}
	return func(attribute string) (interface{}, bool) {
		return b.readCurrent(ctx, conn, req.Account.UID, attribute)
	}
}

func (b *Builder) readCurrent(ctx context.Context, conn connector.Connector, uid, attribute string) (interface{}, bool) {
	v, err := conn.ReadCurrentValue(ctx, uid, attribute)
	if err != nil {
		if !errors.Is(err, connector.ErrObjectNotFound) {
			b.logger.Debug("read current value", "uid", uid, "attribute", attribute, "err", err)
		}
		return nil, false
	}
	return v, true
}

// ReadBaseline reads target values of mapped attributes of the account, unreadable ones are left out
func (b *Builder) ReadBaseline(ctx context.Context, m *model.SystemMapping, account *model.Account) map[string]interface{} {
	res := map[string]interface{}{}
	conn, err := b.connectors.Connector(account.SystemUUID)
	if err != nil {
		return res
	}
	for _, attr := range m.Attributes {
		if attr.UID || attr.Password {
			continue
		}
		if v, ok := b.readCurrent(ctx, conn, account.UID, attr.Name); ok {
			res[attr.Name] = v
		}
	}
	return res
}

// protect replaces confidential values with references, the values are staged for the secret store
func (b *Builder) protect(opUUID string, attributes map[string]interface{},
	desired *mapping.Result) (map[string]interface{}, stagedSecrets) {
	res := make(map[string]interface{}, len(attributes))
	staged := stagedSecrets{}
	for name, value := range attributes {
		confidential := false
		if v, ok := desired.Attributes[name]; ok && v.Confidential {
			confidential = true
		}
		g, guarded := value.(model.GuardedString)
		if !confidential && !guarded {
			res[name] = value
			continue
		}
		if !guarded {
			g = model.NewGuardedString(fmt.Sprint(value))
		}
		key := secret.Key(opUUID, name)
		staged[key] = g
		res[name] = model.SecretRef{Key: key}
	}
	return res, staged
}

// storeSecrets puts all staged values or none of them
func (b *Builder) storeSecrets(ctx context.Context, staged stagedSecrets) error {
	stored := make([]string, 0, len(staged))
	for key, g := range staged {
		if err := b.secrets.Put(ctx, key, g); err != nil {
			for _, k := range stored {
				_ = b.secrets.Purge(ctx, k)
			}
			return fmt.Errorf("store secret %s: %w", key, err)
		}
		stored = append(stored, key)
	}
	return nil
}

func passwordAttribute(m *model.SystemMapping) *model.AttributeMapping {
	for _, attr := range m.Attributes {
		if attr.Password {
			return attr
		}
	}
	return nil
}
