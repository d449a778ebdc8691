package acm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/provisioning"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/uuid"
)

// accountPlan is the planned change of one account
type accountPlan struct {
	account       *model.Account
	isNew         bool
	addLinks      []contribution
	removeLinks   []*model.EntityAccountLink
	contributions []contribution
}

// systemPlan is computed without mutations, so a failed system leaves the transaction untouched
type systemPlan struct {
	system  *model.System
	mapping *model.SystemMapping
	// by account uid
	accounts map[string]*accountPlan
}

func (r *Resolver) reconcileSystem(ctx context.Context, txn *io.MemoryStoreTxn, entity *model.Entity,
	systemUUID string, opts Options) (*Result, error) {
	plan, err := r.plan(ctx, txn, entity, systemUUID)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, txn, entity, plan, opts)
}

func (r *Resolver) plan(ctx context.Context, txn *io.MemoryStoreTxn, entity *model.Entity, systemUUID string) (*systemPlan, error) {
	system, err := repo.NewSystemRepository(txn).GetByID(systemUUID)
	if err != nil {
		return nil, err
	}
	plan := &systemPlan{system: system, accounts: map[string]*accountPlan{}}
	plan.mapping, err = repo.NewSystemMappingRepository(txn).GetBySystemAndKind(systemUUID, entity.Kind)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	// desired: uid -> contributions
	desired := map[string][]contribution{}
	if plan.mapping != nil {
		contributions, err := r.activeContributions(txn, entity, systemUUID)
		if err != nil {
			return nil, err
		}
		for _, c := range contributions {
			uid, err := r.engine.ComputeUID(ctx, entity, plan.mapping, c.rsm)
			if err != nil {
				return nil, err
			}
			desired[uid] = append(desired[uid], c)
		}
	}

	accountRepo := repo.NewAccountRepository(txn)
	linkRepo := repo.NewEntityAccountLinkRepository(txn)
	for _, uid := range sortedKeys(desired) {
		contributions := desired[uid]
		account, err := accountRepo.GetBySystemUID(systemUUID, uid)
		switch {
		case errors.Is(err, model.ErrNotFound):
			allowed, err := r.canCreate(ctx, entity, contributions)
			if err != nil {
				return nil, err
			}
			if !allowed {
				r.logger.Info("account creation suppressed by gate", "entity", entity.UUID, "system", systemUUID, "uid", uid)
				continue
			}
			plan.accounts[uid] = &accountPlan{
				account: &model.Account{
					UUID:       uuid.New(),
					SystemUUID: systemUUID,
					EntityKind: entity.Kind,
					EntityUUID: entity.UUID,
					UID:        uid,
					CreatedAt:  r.clock.Now(),
				},
				isNew:         true,
				addLinks:      contributions,
				contributions: contributions,
			}
			continue
		case err != nil:
			return nil, err
		}
		existing, err := linkRepo.ListByAccount(account.UUID)
		if err != nil {
			return nil, err
		}
		p := &accountPlan{account: account, contributions: contributions}
		for _, c := range contributions {
			if !hasContribution(existing, entity.UUID, c.key()) {
				p.addLinks = append(p.addLinks, c)
			}
		}
		plan.accounts[uid] = p
	}

	links, err := linkRepo.ListByEntity(entity.UUID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.SystemUUID != systemUUID || l.SourceAssignmentUUID == "" {
			continue
		}
		account, err := accountRepo.GetByID(l.AccountUUID)
		if err != nil {
			return nil, err
		}
		if isDesired(desired[account.UID], l.Contribution()) {
			if _, planned := plan.accounts[account.UID]; planned {
				continue
			}
		}
		p, ok := plan.accounts[account.UID]
		if !ok {
			p = &accountPlan{account: account}
			plan.accounts[account.UID] = p
		}
		p.removeLinks = append(p.removeLinks, l)
	}

	// accounts of the system kept without changes are refreshed with Options.Refresh
	accounts, err := accountRepo.ListByEntity(entity.UUID)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.SystemUUID != systemUUID {
			continue
		}
		if _, ok := plan.accounts[a.UID]; !ok {
			plan.accounts[a.UID] = &accountPlan{account: a}
		}
	}
	return plan, nil
}

func (r *Resolver) apply(ctx context.Context, txn *io.MemoryStoreTxn, entity *model.Entity, plan *systemPlan,
	opts Options) (*Result, error) {
	res := &Result{}
	accountRepo := repo.NewAccountRepository(txn)
	linkRepo := repo.NewEntityAccountLinkRepository(txn)

	for _, uid := range sortedKeys(plan.accounts) {
		p := plan.accounts[uid]
		if p.isNew {
			op, err := r.pipeline.Provision(ctx, txn, provisioning.BuildRequest{
				Type:          model.OperationCreate,
				System:        plan.system,
				Account:       p.account,
				Entity:        entity,
				Mapping:       plan.mapping,
				Contributions: rsms(p.contributions),
			})
			if err != nil {
				return res, err
			}
			res.addOperation(op)
			if op.State == model.StateException {
				// the account is not created, next pass tries again
				continue
			}
			if err = accountRepo.Save(p.account); err != nil {
				return res, err
			}
			if err = r.saveLinks(linkRepo, entity, p); err != nil {
				return res, err
			}
			res.Created = append(res.Created, p.account)
			r.logger.Info("account created", "entity", entity.UUID, "system", plan.system.UUID, "uid", uid)
			continue
		}

		changed := len(p.addLinks) > 0 || len(p.removeLinks) > 0
		if err := r.saveLinks(linkRepo, entity, p); err != nil {
			return res, err
		}
		for _, l := range p.removeLinks {
			if err := linkRepo.Delete(l); err != nil {
				return res, err
			}
		}
		if !changed && !opts.Refresh {
			continue
		}

		owners, err := linkRepo.CountOwnership(p.account.UUID)
		if err != nil {
			return res, err
		}
		if owners == 0 {
			deleted, op, err := r.removeAccount(ctx, txn, plan, p.account)
			if err != nil {
				return res, err
			}
			res.addOperation(op)
			if deleted {
				res.Deleted = append(res.Deleted, p.account)
			}
			continue
		}
		if plan.mapping == nil {
			continue
		}
		contributions, err := r.accountContributions(txn, p.account)
		if err != nil {
			return res, err
		}
		op, err := r.pipeline.Provision(ctx, txn, provisioning.BuildRequest{
			Type:          model.OperationUpdate,
			System:        plan.system,
			Account:       p.account,
			Entity:        entity,
			Mapping:       plan.mapping,
			Contributions: contributions,
			Baseline:      opts.Baselines[p.account.UUID],
		})
		if err != nil {
			return res, err
		}
		res.addOperation(op)
	}
	return res, nil
}

func (r *Resolver) saveLinks(linkRepo *repo.EntityAccountLinkRepository, entity *model.Entity, p *accountPlan) error {
	for _, c := range p.addLinks {
		link := &model.EntityAccountLink{
			UUID:                  uuid.New(),
			EntityUUID:            entity.UUID,
			AccountUUID:           p.account.UUID,
			SystemUUID:            p.account.SystemUUID,
			Ownership:             true,
			SourceAssignmentUUID:  c.assignment.UUID,
			RoleSystemMappingUUID: c.rsm.UUID,
		}
		if err := linkRepo.Save(link); err != nil {
			return err
		}
	}
	return nil
}

// removeAccount deletes the account without ownership links, protected accounts are kept
func (r *Resolver) removeAccount(ctx context.Context, txn *io.MemoryStoreTxn, plan *systemPlan,
	account *model.Account) (bool, *model.ProvisioningOperation, error) {
	if account.InProtection {
		r.logger.Info("account in protection is kept", "system", account.SystemUUID, "uid", account.UID)
		return false, nil, nil
	}
	linkRepo := repo.NewEntityAccountLinkRepository(txn)
	rest, err := linkRepo.ListByAccount(account.UUID)
	if err != nil {
		return false, nil, err
	}
	for _, l := range rest {
		if err = linkRepo.Delete(l); err != nil {
			return false, nil, err
		}
	}
	if err = repo.NewAccountRepository(txn).Delete(account); err != nil {
		return false, nil, err
	}
	op, err := r.pipeline.Provision(ctx, txn, provisioning.BuildRequest{
		Type:    model.OperationDelete,
		System:  plan.system,
		Account: account,
	})
	if err != nil {
		return false, nil, fmt.Errorf("delete account %s: %w", account.UID, err)
	}
	r.logger.Info("account deleted", "system", account.SystemUUID, "uid", account.UID)
	return true, op, nil
}

// accountContributions returns role system mappings of the account links, removed mappings are skipped
func (r *Resolver) accountContributions(txn *io.MemoryStoreTxn, account *model.Account) ([]*model.RoleSystemMapping, error) {
	links, err := repo.NewEntityAccountLinkRepository(txn).ListByAccount(account.UUID)
	if err != nil {
		return nil, err
	}
	rsmRepo := repo.NewRoleSystemMappingRepository(txn)
	seen := map[string]struct{}{}
	var res []*model.RoleSystemMapping
	for _, l := range links {
		if _, ok := seen[l.RoleSystemMappingUUID]; ok || l.RoleSystemMappingUUID == "" {
			continue
		}
		seen[l.RoleSystemMappingUUID] = struct{}{}
		rsm, err := rsmRepo.GetByID(l.RoleSystemMappingUUID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, rsm)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UUID < res[j].UUID })
	return res, nil
}

func rsms(contributions []contribution) []*model.RoleSystemMapping {
	seen := map[string]struct{}{}
	var res []*model.RoleSystemMapping
	for _, c := range contributions {
		if _, ok := seen[c.rsm.UUID]; ok {
			continue
		}
		seen[c.rsm.UUID] = struct{}{}
		res = append(res, c.rsm)
	}
	return res
}

func hasContribution(links []*model.EntityAccountLink, entityUUID string, key model.ContributionKey) bool {
	for _, l := range links {
		if l.EntityUUID == entityUUID && l.Contribution() == key {
			return true
		}
	}
	return false
}

func isDesired(contributions []contribution, key model.ContributionKey) bool {
	for _, c := range contributions {
		if c.key() == key {
			return true
		}
	}
	return false
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueSorted(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	res := make([]string, 0, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}
