package sharing

import (
	"context"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/storage"
)

// ListOptions are the listing query flags, preserved verbatim from the
// external API.
type ListOptions struct {
	Personal   bool
	Shared     bool
	Subscribed bool

	InviteStatus             *int
	ContactsCount            bool
	WithRights               bool
	SharedDelegationStatus   bool
	SharedPublicSubscription bool
}

// Link is one hyperlink of a listing entry.
type Link struct {
	Href string `json:"href"`
}

// Links is the _links block of a listing entry.
type Links struct {
	Self Link `json:"self"`
}

// InviteEntry is the serialized form of a delegation grant.
type InviteEntry struct {
	Principal string `json:"principal"`
	Access    int    `json:"access"`
	Status    int    `json:"inviteStatus"`
	Comment   string `json:"comment,omitempty"`
}

// ACLEntry is the serialized form of an access-control entry.
type ACLEntry struct {
	Principal string `json:"principal"`
	Privilege string `json:"privilege"`
	Protected bool   `json:"protected"`
}

// Entry is one collection of a principal's listing. ShareAccess is 1 for
// owned collections, 3 for read-write delegations, 5 for admin
// delegations and null when the entry is not a delegation.
type Entry struct {
	Links            Links         `json:"_links"`
	Name             string        `json:"dav:name"`
	DavACL           []string      `json:"dav:acl,omitempty"`
	ShareAccess      *int          `json:"dav:share-access"`
	SubscriptionType *string       `json:"openpaas:subscription-type"`
	Source           *string       `json:"openpaas:source,omitempty"`
	DelegatedSource  *string       `json:"calendarserver:delegatedsource,omitempty"`
	ContactsCount    *int          `json:"openpaas:contacts-count,omitempty"`
	Invites          []InviteEntry `json:"invite"`
	ACL              []ACLEntry    `json:"acl"`
}

// List assembles a principal's collection listing: personal collections,
// delegations granted to them, and their subscriptions, per the query
// flags.
func (p *Projector) List(ctx context.Context, principal string, opts ListOptions) ([]Entry, error) {
	// No category flag means all categories.
	all := !opts.Personal && !opts.Shared && !opts.Subscribed
	var entries []Entry

	if all || opts.Personal || opts.Subscribed {
		own, err := p.store.ListCollections(ctx, principal)
		if err != nil {
			return nil, err
		}
		for _, col := range own {
			if col.IsSubscription() {
				if all || opts.Subscribed {
					entry, err := p.subscriptionEntry(ctx, principal, col, opts)
					if err != nil {
						return nil, err
					}
					if entry != nil {
						entries = append(entries, *entry)
					}
				}
				continue
			}
			if all || opts.Personal {
				entries = append(entries, p.ownedEntry(ctx, col, opts))
			}
		}
	}

	if all || opts.Shared {
		delegated, err := p.store.ListDelegatedTo(ctx, principal)
		if err != nil {
			return nil, err
		}
		for _, col := range delegated {
			entry := p.delegationEntry(ctx, principal, col, opts)
			if entry != nil {
				entries = append(entries, *entry)
			}
		}
	}
	return entries, nil
}

func (p *Projector) ownedEntry(ctx context.Context, col *storage.Collection, opts ListOptions) Entry {
	owner := 1
	entry := Entry{
		Links:       Links{Self: Link{Href: col.Href()}},
		Name:        col.DisplayName,
		ShareAccess: &owner,
	}
	p.decorate(ctx, &entry, col, opts)
	return entry
}

func (p *Projector) subscriptionEntry(ctx context.Context, principal string, col *storage.Collection, opts ListOptions) (*Entry, error) {
	source, err := p.store.GetCollection(ctx, col.Source.OwnerID, col.Source.CollectionID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	subType := "public"
	if source.FindInvite(principal) != nil {
		subType = "delegation"
	}
	if opts.SharedPublicSubscription && subType != "public" {
		return nil, nil
	}

	sourceHref := source.Href()
	entry := Entry{
		Links:            Links{Self: Link{Href: col.Href()}},
		Name:             col.DisplayName,
		SubscriptionType: &subType,
		Source:           &sourceHref,
	}
	p.decorate(ctx, &entry, col, opts)
	return &entry, nil
}

func (p *Projector) delegationEntry(ctx context.Context, principal string, col *storage.Collection, opts ListOptions) *Entry {
	invite := col.FindInvite(principal)
	if invite == nil {
		return nil
	}
	if opts.InviteStatus != nil && int(invite.Status) != *opts.InviteStatus {
		return nil
	}
	if opts.SharedDelegationStatus && invite.Status != storage.InviteAccepted {
		return nil
	}

	access := int(invite.Access)
	subType := "delegation"
	sourceHref := col.Href()
	entry := Entry{
		Links:            Links{Self: Link{Href: col.Href()}},
		Name:             col.DisplayName,
		ShareAccess:      &access,
		SubscriptionType: &subType,
		DelegatedSource:  &sourceHref,
	}
	p.decorate(ctx, &entry, col, opts)
	return &entry
}

// decorate fills the optional blocks controlled by query flags.
func (p *Projector) decorate(ctx context.Context, entry *Entry, col *storage.Collection, opts ListOptions) {
	if opts.WithRights {
		for _, priv := range distinctPrivileges(col) {
			entry.DavACL = append(entry.DavACL, string(priv))
		}
		for _, inv := range col.Invites {
			entry.Invites = append(entry.Invites, InviteEntry{
				Principal: inv.Principal,
				Access:    int(inv.Access),
				Status:    int(inv.Status),
				Comment:   inv.Comment,
			})
		}
		for _, ace := range col.ACL {
			entry.ACL = append(entry.ACL, ACLEntry{
				Principal: ace.Principal,
				Privilege: string(ace.Privilege),
				Protected: ace.Protected,
			})
		}
	}
	if opts.ContactsCount && col.Kind == storage.KindAddressBook {
		if count, err := p.store.CountItems(ctx, col.OwnerID, col.ID); err == nil {
			entry.ContactsCount = &count
		}
	}
}

func distinctPrivileges(col *storage.Collection) []storage.Privilege {
	seen := make(map[storage.Privilege]bool)
	var out []storage.Privilege
	for _, ace := range col.ACL {
		if !seen[ace.Privilege] {
			seen[ace.Privilege] = true
			out = append(out, ace.Privilege)
		}
	}
	return out
}

// Invitations returns the invites on a collection, visible to the owner
// and to SHARE holders (admin delegates see the delegation in their own
// listing).
func (p *Projector) Invitations(ctx context.Context, actor, owner, colID string) ([]storage.Invite, error) {
	col, err := p.store.GetCollection(ctx, owner, colID)
	if err != nil {
		return nil, err
	}
	if actor != owner && !acl.ComputePrivileges(actor, col).CanShare() {
		return nil, acl.Forbiddenf("%s cannot read sharing state of %s/%s", actor, owner, colID)
	}
	return col.Invites, nil
}
