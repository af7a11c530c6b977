// Package acl evaluates effective privileges and manages delegation and
// public-right state on collections.
package acl

import (
	"context"
	"log/slog"

	"github.com/davshare/davshare/storage"
)

// AuthenticatedPrincipal is the ACE principal matching any logged-in user.
const AuthenticatedPrincipal = "{DAV:}authenticated"

// PrivilegeSet is the effective privilege evaluation for one
// (principal, collection) pair.
type PrivilegeSet map[storage.Privilege]bool

// Has reports whether the set grants the privilege, expanding ALL and
// ADMINISTRATION aggregates.
func (ps PrivilegeSet) Has(p storage.Privilege) bool {
	if ps[p] || ps[storage.PrivAll] {
		return true
	}
	if ps[storage.PrivAdministration] {
		switch p {
		case storage.PrivRead, storage.PrivWrite, storage.PrivWriteProperties,
			storage.PrivBind, storage.PrivUnbind, storage.PrivReadACL, storage.PrivShare:
			return true
		}
	}
	return false
}

// CanRead reports read access to collection content.
func (ps PrivilegeSet) CanRead() bool { return ps.Has(storage.PrivRead) }

// CanWrite reports write access to collection content.
func (ps PrivilegeSet) CanWrite() bool {
	return ps.Has(storage.PrivWrite) || ps.Has(storage.PrivBind)
}

// CanShare reports the right to see and manage the collection's sharing
// state.
func (ps PrivilegeSet) CanShare() bool { return ps.Has(storage.PrivShare) }

// Cascader is implemented by the sharing projector: revoking a grant or
// hiding a collection must tear down the subscriptions derived from it.
type Cascader interface {
	// RevokeDerived deletes the grantee's subscriptions of the source.
	RevokeDerived(ctx context.Context, sourceOwner, sourceID, grantee string) error
	// HideDerived deletes every subscription of the source.
	HideDerived(ctx context.Context, sourceOwner, sourceID string) error
}

// Engine is the access-control engine.
type Engine struct {
	store    storage.Storage
	cascader Cascader
	logger   *slog.Logger
}

// NewEngine creates an engine. The cascader is attached later, once the
// projector exists (SetCascader).
func NewEngine(store storage.Storage, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// SetCascader wires the revocation cascade target.
func (e *Engine) SetCascader(c Cascader) { e.cascader = c }

// EffectivePrivileges evaluates the principal's privileges on a collection
// snapshot. The result is a pure function of its arguments.
func (e *Engine) EffectivePrivileges(principal string, col *storage.Collection) PrivilegeSet {
	return ComputePrivileges(principal, col)
}

// ComputePrivileges is the pure evaluation behind EffectivePrivileges:
// ownership, protected system ACEs, invite-derived ACEs, then the
// public-right implicit grant.
func ComputePrivileges(principal string, col *storage.Collection) PrivilegeSet {
	ps := make(PrivilegeSet)
	if principal == col.OwnerID {
		ps[storage.PrivAll] = true
		return ps
	}

	for _, ace := range col.ACL {
		if ace.Principal == principal || ace.Principal == AuthenticatedPrincipal {
			ps[ace.Privilege] = true
		}
	}

	switch col.PublicRight {
	case storage.PublicRead:
		ps[storage.PrivRead] = true
	case storage.PublicReadWrite:
		ps[storage.PrivRead] = true
		ps[storage.PrivWrite] = true
	}
	return ps
}

// privilegesForAccess maps a delegation grade onto the ACEs it implies.
func privilegesForAccess(access storage.AccessLevel) []storage.Privilege {
	switch access {
	case storage.AccessRead:
		return []storage.Privilege{storage.PrivRead}
	case storage.AccessReadWrite:
		return []storage.Privilege{storage.PrivRead, storage.PrivWrite}
	case storage.AccessAdmin:
		// Admin also sees and manages the delegation itself.
		return []storage.Privilege{
			storage.PrivRead, storage.PrivWrite, storage.PrivAdministration, storage.PrivShare,
		}
	default:
		return nil
	}
}

// GrantDelegation idempotently creates or updates an invite for the
// grantee and installs the matching ACEs on the collection.
func (e *Engine) GrantDelegation(ctx context.Context, actor, owner, colID, grantee string, access storage.AccessLevel) error {
	col, err := e.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return err
	}
	if err := e.checkSharingActor(actor, col, KindPolicyNotAllowed); err != nil {
		return err
	}

	removeInvite(col, grantee)
	removeGranteeACEs(col, grantee)
	col.Invites = append(col.Invites, storage.Invite{
		Principal: grantee,
		Access:    access,
		Status:    storage.InviteAccepted,
	})
	for _, priv := range privilegesForAccess(access) {
		col.ACL = append(col.ACL, storage.ACE{Principal: grantee, Privilege: priv})
	}

	if err := e.store.PutCollection(ctx, col); err != nil {
		return err
	}
	e.logger.Info("delegation granted",
		"owner", owner, "collection", colID, "grantee", grantee, "access", int(access))
	return nil
}

// RevokeDelegation removes the grantee's invite and ACEs, then cascades:
// any subscription the grantee derived from this collection is deleted.
// This is the owner-initiated, global form of revocation.
func (e *Engine) RevokeDelegation(ctx context.Context, actor, owner, colID, grantee string) error {
	col, err := e.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return err
	}
	if err := e.checkSharingActor(actor, col, KindPolicyNotAllowed); err != nil {
		return err
	}

	removeInvite(col, grantee)
	removeGranteeACEs(col, grantee)
	if err := e.store.PutCollection(ctx, col); err != nil {
		return err
	}

	if e.cascader != nil {
		if err := e.cascader.RevokeDerived(ctx, owner, colID, grantee); err != nil {
			return err
		}
	}
	e.logger.Info("delegation revoked", "owner", owner, "collection", colID, "grantee", grantee)
	return nil
}

// SetPublicRight changes the collection-wide access level. Transitioning
// to HIDDEN cascades: existing subscriptions are deleted and do not come
// back when the collection is made public again.
func (e *Engine) SetPublicRight(ctx context.Context, actor, owner, colID string, right storage.PublicRight) error {
	col, err := e.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return err
	}
	if err := e.checkSharingActor(actor, col, KindPolicyNotSupported); err != nil {
		return err
	}

	previous := col.PublicRight
	col.PublicRight = right
	if err := e.store.PutCollection(ctx, col); err != nil {
		return err
	}

	if right == storage.PublicHidden && previous != storage.PublicHidden && e.cascader != nil {
		if err := e.cascader.HideDerived(ctx, owner, colID); err != nil {
			return err
		}
	}
	e.logger.Info("public right changed",
		"owner", owner, "collection", colID, "right", int(right))
	return nil
}

// checkSharingActor rejects sharing mutations on system-managed
// collections (policyKind picks 501 vs 405) and by non-owners lacking
// SHARE. Both checks run before any mutation.
func (e *Engine) checkSharingActor(actor string, col *storage.Collection, policyKind ErrorKind) error {
	if col.SystemManaged {
		return &Error{Kind: policyKind, Message: "sharing configuration of system-managed collections cannot be changed"}
	}
	if actor == col.OwnerID {
		return nil
	}
	if ComputePrivileges(actor, col).CanShare() {
		return nil
	}
	return Forbiddenf("%s cannot manage sharing on %s/%s", actor, col.OwnerID, col.ID)
}

func removeInvite(col *storage.Collection, grantee string) {
	kept := col.Invites[:0]
	for _, inv := range col.Invites {
		if inv.Principal != grantee {
			kept = append(kept, inv)
		}
	}
	col.Invites = kept
}

func removeGranteeACEs(col *storage.Collection, grantee string) {
	kept := col.ACL[:0]
	for _, ace := range col.ACL {
		if ace.Principal != grantee || ace.Protected {
			kept = append(kept, ace)
		}
	}
	col.ACL = kept
}
