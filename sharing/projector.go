// Package sharing maintains derived views of collections: subscriptions
// (independently addressable mirrors) and delegations (in-place shared
// access). All item mutations flow through the Projector so propagation,
// scheduling and notification happen exactly once, on the canonical item.
package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/metrics"
	"github.com/davshare/davshare/notify"
	"github.com/davshare/davshare/privacy"
	"github.com/davshare/davshare/scheduling"
	"github.com/davshare/davshare/storage"
)

// Projector is the single write path for items and collections.
type Projector struct {
	store     storage.Storage
	acl       *acl.Engine
	scheduler *scheduling.Engine
	notifier  *notify.Notifier
	logger    *slog.Logger

	// Per-source mutation locks. The full chain (authorize, mutate,
	// propagate, schedule, notify) runs under the canonical collection's
	// lock, so a reader never sees a half-propagated state.
	locks sync.Map
}

// New wires a projector and registers it as the ACL engine's cascade
// target.
func New(store storage.Storage, aclEngine *acl.Engine, scheduler *scheduling.Engine, notifier *notify.Notifier, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{
		store:     store,
		acl:       aclEngine,
		scheduler: scheduler,
		notifier:  notifier,
		logger:    logger,
	}
	aclEngine.SetCascader(p)
	return p
}

func (p *Projector) lockFor(owner, colID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(owner+"/"+colID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// resolveCanonical maps an addressed collection onto the canonical one.
// For subscriptions the returned via is the subscription itself.
func (p *Projector) resolveCanonical(ctx context.Context, owner, colID string) (canonical, via *storage.Collection, err error) {
	col, err := p.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return nil, nil, err
	}
	if !col.IsSubscription() {
		return col, nil, nil
	}
	src, err := p.store.GetCollection(ctx, col.Source.OwnerID, col.Source.CollectionID)
	if err != nil {
		return nil, nil, err
	}
	return src, col, nil
}

// PutItem creates or updates an item. Writes addressed at a read-write
// subscription are redirected to the canonical item; the actor is
// recorded but the mutation, its scheduling delta and its notifications
// are computed once, on the source. ifMatch, when non-empty, is an ETag
// precondition.
func (p *Projector) PutItem(ctx context.Context, actor, owner, colID string, item *storage.Item, ifMatch string) (*storage.Item, error) {
	canonical, via, err := p.resolveCanonical(ctx, owner, colID)
	if err != nil {
		return nil, err
	}
	if via != nil && via.ReadOnly {
		return nil, acl.Forbiddenf("subscription %s/%s is read-only", via.OwnerID, via.ID)
	}
	if !p.acl.EffectivePrivileges(actor, canonical).CanWrite() {
		return nil, acl.Forbiddenf("%s cannot write to %s/%s", actor, canonical.OwnerID, canonical.ID)
	}

	mu := p.lockFor(canonical.OwnerID, canonical.ID)
	mu.Lock()
	defer mu.Unlock()

	var previous *storage.Item
	if existing, err := p.store.GetItem(ctx, canonical.OwnerID, canonical.ID, item.UID); err == nil {
		previous = existing
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	if ifMatch != "" {
		if previous == nil {
			return nil, storage.Conflictf("item %s was deleted concurrently", item.UID)
		}
		if previous.ETag != ifMatch {
			return nil, storage.Conflictf("item %s was modified concurrently", item.UID)
		}
	}

	stored := item.Clone()
	stored.ETag = newETag()
	if previous != nil {
		stored.Sequence = previous.Sequence + 1
	}
	if err := p.store.PutItem(ctx, canonical.OwnerID, canonical.ID, stored); err != nil {
		return nil, err
	}
	if err := p.mirror(ctx, canonical, func(sub *storage.Collection) error {
		return p.store.PutItem(ctx, sub.OwnerID, sub.ID, stored)
	}, "put"); err != nil {
		return nil, err
	}

	p.afterMutation(ctx, actor, canonical, previous, stored)
	p.notifier.ItemSaved(canonical, stored, previous == nil)
	return stored, nil
}

// DeleteItem removes an item from the canonical collection and every
// subscription mirroring it.
func (p *Projector) DeleteItem(ctx context.Context, actor, owner, colID, uid string) error {
	canonical, via, err := p.resolveCanonical(ctx, owner, colID)
	if err != nil {
		return err
	}
	if via != nil && via.ReadOnly {
		return acl.Forbiddenf("subscription %s/%s is read-only", via.OwnerID, via.ID)
	}
	if !p.acl.EffectivePrivileges(actor, canonical).CanWrite() {
		return acl.Forbiddenf("%s cannot write to %s/%s", actor, canonical.OwnerID, canonical.ID)
	}

	mu := p.lockFor(canonical.OwnerID, canonical.ID)
	mu.Lock()
	defer mu.Unlock()

	previous, err := p.store.GetItem(ctx, canonical.OwnerID, canonical.ID, uid)
	if err != nil {
		return err
	}
	if err := p.store.DeleteItem(ctx, canonical.OwnerID, canonical.ID, uid); err != nil {
		return err
	}
	if err := p.mirror(ctx, canonical, func(sub *storage.Collection) error {
		err := p.store.DeleteItem(ctx, sub.OwnerID, sub.ID, uid)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}, "delete"); err != nil {
		return err
	}

	p.afterMutation(ctx, actor, canonical, previous, nil)
	p.notifier.ItemDeleted(canonical, previous)
	return nil
}

// mirror applies op to every subscription of the canonical collection.
func (p *Projector) mirror(ctx context.Context, canonical *storage.Collection, op func(*storage.Collection) error, operation string) error {
	subs, err := p.store.ListBySource(ctx, canonical.OwnerID, canonical.ID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := op(sub); err != nil {
			return fmt.Errorf("failed to propagate to %s/%s: %w", sub.OwnerID, sub.ID, err)
		}
		metrics.Propagated(operation)
	}
	return nil
}

// afterMutation runs the scheduling pipeline for a committed mutation.
func (p *Projector) afterMutation(ctx context.Context, actor string, canonical *storage.Collection, previous, current *storage.Item) {
	eff := p.scheduler.Evaluate(scheduling.Cause{
		Actor:      actor,
		Collection: canonical,
		Previous:   previous,
		Current:    current,
	})
	p.scheduler.Dispatch(ctx, eff)
	if len(eff.EmailRecipients) > 0 && len(eff.Messages) > 0 {
		p.notifier.EmailNotification(eff.EmailRecipients, eff.Messages[0])
	}
	if eff.ResourceTransition != "" {
		item := current
		if item == nil {
			item = previous
		}
		p.notifier.ResourceTransition(canonical, item, eff.ResourceTransition)
	}
}

// ReadItem returns the viewer-visible representation of one item.
func (p *Projector) ReadItem(ctx context.Context, actor, owner, colID, uid string) (*storage.Item, error) {
	canonical, _, err := p.authorizeRead(ctx, actor, owner, colID)
	if err != nil {
		return nil, err
	}
	item, err := p.store.GetItem(ctx, owner, colID, uid)
	if err != nil {
		return nil, err
	}
	return privacy.Present(item, p.viewFor(actor, canonical)), nil
}

// ReadItems lists the viewer-visible items of a collection, optionally
// bounded by a time range.
func (p *Projector) ReadItems(ctx context.Context, actor, owner, colID string, tr *storage.TimeRange) ([]*storage.Item, error) {
	canonical, _, err := p.authorizeRead(ctx, actor, owner, colID)
	if err != nil {
		return nil, err
	}
	items, err := p.store.ListItems(ctx, owner, colID, tr)
	if err != nil {
		return nil, err
	}
	view := p.viewFor(actor, canonical)
	out := make([]*storage.Item, 0, len(items))
	for _, item := range items {
		out = append(out, privacy.Present(item, view))
	}
	return out, nil
}

func (p *Projector) authorizeRead(ctx context.Context, actor, owner, colID string) (canonical, via *storage.Collection, err error) {
	canonical, via, err = p.resolveCanonical(ctx, owner, colID)
	if err != nil {
		return nil, nil, err
	}
	// Reading one's own collection (a subscription included) is always
	// allowed; anything else needs read on the canonical collection.
	if owner != actor && !p.acl.EffectivePrivileges(actor, canonical).CanRead() {
		return nil, nil, acl.Forbiddenf("%s cannot read %s/%s", actor, owner, colID)
	}
	return canonical, via, nil
}

// viewFor derives the privacy view: owners see everything, as do admin
// delegates; generic public or delegated readers get the redacted form.
func (p *Projector) viewFor(actor string, canonical *storage.Collection) privacy.View {
	return privacy.View{
		Owner:     actor == canonical.OwnerID,
		ItemGrant: acl.ComputePrivileges(actor, canonical).Has(storage.PrivAdministration),
	}
}

// SubscribeRequest describes a new subscription.
type SubscribeRequest struct {
	Subscriber       string
	SourceOwner      string
	SourceCollection string
	LocalID          string
	DisplayName      string
	Color            string
	ReadOnly         bool
}

// Subscribe creates a subscription and populates it with every item
// currently in the source. Fails with a 403 when the source is hidden
// and the subscriber holds no delegation.
func (p *Projector) Subscribe(ctx context.Context, req SubscribeRequest) (*storage.Collection, error) {
	source, err := p.store.GetCollection(ctx, req.SourceOwner, req.SourceCollection)
	if err != nil {
		return nil, err
	}
	if source.IsSubscription() {
		return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "cannot subscribe to a subscription"}
	}
	if !p.acl.EffectivePrivileges(req.Subscriber, source).CanRead() {
		return nil, acl.Forbiddenf("%s cannot subscribe to %s/%s", req.Subscriber, req.SourceOwner, req.SourceCollection)
	}

	mu := p.lockFor(source.OwnerID, source.ID)
	mu.Lock()
	defer mu.Unlock()

	localID := req.LocalID
	if localID == "" {
		localID = uuid.NewString()
	}
	if existing, err := p.store.GetCollection(ctx, req.Subscriber, localID); err == nil {
		return nil, &storage.Error{Type: storage.ErrAlreadyExists,
			Message: fmt.Sprintf("%s already exists", existing.Href())}
	} else if !storage.IsNotFound(err) {
		return nil, err
	}
	sub := &storage.Collection{
		OwnerID:     req.Subscriber,
		ID:          localID,
		DisplayName: req.DisplayName,
		Color:       req.Color,
		Kind:        source.Kind,
		Source:      &storage.SourceRef{OwnerID: source.OwnerID, CollectionID: source.ID},
		ReadOnly:    req.ReadOnly,
	}
	if err := p.store.PutCollection(ctx, sub); err != nil {
		return nil, err
	}

	items, err := p.store.ListItems(ctx, source.OwnerID, source.ID, nil)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := p.store.PutItem(ctx, sub.OwnerID, sub.ID, item); err != nil {
			return nil, fmt.Errorf("failed to populate subscription: %w", err)
		}
	}

	p.logger.Info("subscription created",
		"subscriber", req.Subscriber, "source", source.Href(), "local", localID, "read_only", req.ReadOnly)
	return sub, nil
}

// Unsubscribe deletes the subscriber's local copy. The source and any
// other subscriber are unaffected.
func (p *Projector) Unsubscribe(ctx context.Context, subscriber, localID string) error {
	col, err := p.store.GetCollection(ctx, subscriber, localID)
	if err != nil {
		return err
	}
	if !col.IsSubscription() {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "collection is not a subscription"}
	}
	return p.store.DeleteCollection(ctx, subscriber, localID)
}

// DeleteCollection removes a collection. Deleting a source cascades to
// every subscription mirroring it, atomically with the source delete, so
// no orphan can keep serving stale content.
func (p *Projector) DeleteCollection(ctx context.Context, actor, owner, colID string) error {
	col, err := p.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return err
	}
	if actor != owner && !acl.ComputePrivileges(actor, col).Has(storage.PrivAdministration) {
		return acl.Forbiddenf("%s cannot delete %s/%s", actor, owner, colID)
	}
	if col.IsSubscription() {
		return p.store.DeleteCollection(ctx, owner, colID)
	}

	mu := p.lockFor(owner, colID)
	mu.Lock()
	defer mu.Unlock()

	subs, err := p.store.ListBySource(ctx, owner, colID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := p.store.DeleteCollection(ctx, sub.OwnerID, sub.ID); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("failed to cascade delete to %s/%s: %w", sub.OwnerID, sub.ID, err)
		}
	}
	return p.store.DeleteCollection(ctx, owner, colID)
}

// RevokeDerived implements acl.Cascader: owner-initiated revocation
// deletes the grantee's subscriptions of the source, regardless of
// anything the subscriber did locally.
func (p *Projector) RevokeDerived(ctx context.Context, sourceOwner, sourceID, grantee string) error {
	subs, err := p.store.ListBySource(ctx, sourceOwner, sourceID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.OwnerID != grantee {
			continue
		}
		if err := p.store.DeleteCollection(ctx, sub.OwnerID, sub.ID); err != nil && !storage.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// HideDerived implements acl.Cascader: a collection going hidden deletes
// every subscription of it. Making it public again later does not bring
// them back.
func (p *Projector) HideDerived(ctx context.Context, sourceOwner, sourceID string) error {
	subs, err := p.store.ListBySource(ctx, sourceOwner, sourceID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := p.store.DeleteCollection(ctx, sub.OwnerID, sub.ID); err != nil && !storage.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func newETag() string { return `"` + uuid.NewString() + `"` }
