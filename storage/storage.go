// Package storage defines the persistence contract for collections, items,
// access-control state and scheduling inboxes. Backends (memory, postgres)
// implement Storage; engines never touch a backend any other way.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
	"github.com/samber/mo"
)

// Kind discriminates calendar collections from address books.
type Kind string

const (
	KindCalendar    Kind = "calendar"
	KindAddressBook Kind = "addressbook"
)

// PublicRight is the collection-wide access level granted to any
// authenticated principal, independent of explicit delegations.
type PublicRight int

const (
	PublicHidden PublicRight = iota
	PublicRead
	PublicReadWrite
)

// Privilege values use the DAV property namespace so they round-trip
// unchanged through ACL listings.
type Privilege string

const (
	PrivRead            Privilege = "{DAV:}read"
	PrivWrite           Privilege = "{DAV:}write"
	PrivWriteProperties Privilege = "{DAV:}write-properties"
	PrivBind            Privilege = "{DAV:}bind"
	PrivUnbind          Privilege = "{DAV:}unbind"
	PrivShare           Privilege = "{DAV:}share"
	PrivReadACL         Privilege = "{DAV:}read-acl"
	PrivAdministration  Privilege = "{DAV:}administration"
	PrivAll             Privilege = "{DAV:}all"
	PrivReadFreeBusy    Privilege = "{urn:ietf:params:xml:ns:caldav}read-free-busy"
)

// ACE is a single access-control entry on a collection. Protected entries
// are system-managed and survive user edits of the ACL.
type ACE struct {
	Principal string
	Privilege Privilege
	Protected bool
}

// AccessLevel is the delegation grade carried by an Invite. The numeric
// values are the share-access integers exposed by the listing API.
type AccessLevel int

const (
	AccessRead      AccessLevel = 1
	AccessReadWrite AccessLevel = 3
	AccessAdmin     AccessLevel = 5
)

// InviteStatus tracks whether a delegation grant has been accepted.
type InviteStatus int

const (
	InviteAccepted InviteStatus = 1
	InvitePending  InviteStatus = 2
)

// Invite records a delegation grant on a collection. Every invite has a
// matching set of ACEs granting the corresponding privileges.
type Invite struct {
	Principal string
	Access    AccessLevel
	Status    InviteStatus
	Comment   string
}

// SourceRef points a subscription at its canonical collection.
type SourceRef struct {
	OwnerID      string
	CollectionID string
}

// Collection is a calendar or address book owned by exactly one principal.
// A collection with a non-nil Source is a subscription: an independently
// addressable mirror of another principal's collection.
type Collection struct {
	OwnerID     string
	ID          string
	DisplayName string
	Color       string
	Kind        Kind
	PublicRight PublicRight
	SyncToken   uint64
	ACL         []ACE
	Invites     []Invite

	// Subscription state. ReadOnly applies only when Source is set.
	Source   *SourceRef
	ReadOnly bool

	// SystemManaged marks domain-provisioned address books whose sharing
	// state cannot be changed, not even by domain administrators.
	SystemManaged bool

	// Resource marks booking calendars (rooms, equipment) whose partstat
	// transitions emit resource events instead of plain event updates.
	Resource bool

	Created  time.Time
	Modified time.Time
}

// IsSubscription reports whether the collection mirrors another one.
func (c *Collection) IsSubscription() bool { return c.Source != nil }

// IsDefault reports whether this is the principal's default collection.
func (c *Collection) IsDefault() bool { return c.ID == c.OwnerID }

// Href returns the collection's canonical path.
func (c *Collection) Href() string {
	if c.Kind == KindAddressBook {
		return fmt.Sprintf("/addressbooks/%s/%s.json", c.OwnerID, c.ID)
	}
	return fmt.Sprintf("/calendars/%s/%s.json", c.OwnerID, c.ID)
}

// ItemHref returns the path of an item inside the collection.
func (c *Collection) ItemHref(uid string) string {
	if c.Kind == KindAddressBook {
		return fmt.Sprintf("/addressbooks/%s/%s/%s.vcf", c.OwnerID, c.ID, uid)
	}
	return fmt.Sprintf("/calendars/%s/%s/%s.ics", c.OwnerID, c.ID, uid)
}

// FindInvite returns the invite for a principal, or nil.
func (c *Collection) FindInvite(principal string) *Invite {
	for i := range c.Invites {
		if c.Invites[i].Principal == principal {
			return &c.Invites[i]
		}
	}
	return nil
}

// Item is a calendar event or a contact. Exactly one of Calendar and Card
// is set. UID is stable across revisions; Sequence increments on every
// successful write and is the staleness signal for scheduling diffs.
type Item struct {
	UID          string
	Sequence     int
	ETag         string
	LastModified time.Time

	Calendar *ical.Calendar
	Card     vcard.Card
}

// Event returns the first VEVENT component of a calendar item, or nil.
func (it *Item) Event() *ical.Component {
	if it.Calendar == nil {
		return nil
	}
	for _, child := range it.Calendar.Children {
		if child.Name == ical.CompEvent {
			return child
		}
	}
	return nil
}

// Clone deep-copies the item so callers can redact or mirror it without
// touching stored state.
func (it *Item) Clone() *Item {
	dup := &Item{
		UID:          it.UID,
		Sequence:     it.Sequence,
		ETag:         it.ETag,
		LastModified: it.LastModified,
	}
	if it.Calendar != nil {
		dup.Calendar = cloneCalendar(it.Calendar)
	}
	if it.Card != nil {
		dup.Card = cloneCard(it.Card)
	}
	return dup
}

func cloneCalendar(cal *ical.Calendar) *ical.Calendar {
	dup := ical.NewCalendar()
	dup.Component = cloneComponent(cal.Component)
	return dup
}

func cloneComponent(comp *ical.Component) *ical.Component {
	dup := ical.NewComponent(comp.Name)
	for name, props := range comp.Props {
		for _, p := range props {
			cp := ical.Prop{Name: p.Name, Value: p.Value, Params: make(ical.Params, len(p.Params))}
			for k, vs := range p.Params {
				cp.Params[k] = append([]string(nil), vs...)
			}
			dup.Props[name] = append(dup.Props[name], cp)
		}
	}
	for _, child := range comp.Children {
		dup.Children = append(dup.Children, cloneComponent(child))
	}
	return dup
}

func cloneCard(card vcard.Card) vcard.Card {
	dup := make(vcard.Card, len(card))
	for name, fields := range card {
		for _, f := range fields {
			cf := &vcard.Field{Value: f.Value, Group: f.Group, Params: make(vcard.Params, len(f.Params))}
			for k, vs := range f.Params {
				cf.Params[k] = append([]string(nil), vs...)
			}
			dup[name] = append(dup[name], cf)
		}
	}
	return dup
}

// FieldChange is one entry of a scheduling diff: the previous and current
// value of a single event field. Absent options mean the field did not
// exist on that side.
type FieldChange struct {
	Previous mo.Option[string]
	Current  mo.Option[string]
}

// Message is an iTIP scheduling message delivered to a principal's inbox.
type Message struct {
	ID        string
	Method    string // REQUEST, REPLY, CANCEL, COUNTER
	Sender    string
	Recipient string
	UID       string

	// Calendar carries the current ICS payload; Previous the prior one,
	// set only for COUNTER proposals.
	Calendar *ical.Calendar
	Previous *ical.Calendar

	// Changes is the per-field diff attached to organizer REQUESTs.
	Changes map[string]FieldChange

	Received time.Time
}

// Changes is the result of an incremental sync report.
type Changes struct {
	CreatedOrUpdated []*Item
	Deleted          []string
	NewToken         uint64
}

// Storage is the CollectionStore contract. Implementations must serialize
// writes per collection and keep SyncToken monotonic.
type Storage interface {
	// EnsurePrincipal provisions the principal's default calendar and
	// address book (collection ID == principal). Idempotent.
	EnsurePrincipal(ctx context.Context, principal string) error

	GetCollection(ctx context.Context, owner, id string) (*Collection, error)
	ListCollections(ctx context.Context, owner string) ([]*Collection, error)
	// PutCollection creates or replaces a collection's metadata.
	PutCollection(ctx context.Context, col *Collection) error
	// DeleteCollection removes the collection and its backing items.
	DeleteCollection(ctx context.Context, owner, id string) error

	// ListBySource returns every subscription mirroring the given source,
	// the index consulted by cascade deletes and propagation.
	ListBySource(ctx context.Context, sourceOwner, sourceID string) ([]*Collection, error)
	// ListDelegatedTo returns collections owned by other principals on
	// which the given principal holds an invite.
	ListDelegatedTo(ctx context.Context, principal string) ([]*Collection, error)

	GetItem(ctx context.Context, owner, colID, uid string) (*Item, error)
	// PutItem stores the item and bumps the collection's sync token.
	PutItem(ctx context.Context, owner, colID string, item *Item) error
	DeleteItem(ctx context.Context, owner, colID, uid string) error
	ListItems(ctx context.Context, owner, colID string, tr *TimeRange) ([]*Item, error)
	CountItems(ctx context.Context, owner, colID string) (int, error)

	SyncToken(ctx context.Context, owner, colID string) (uint64, error)
	ChangesSince(ctx context.Context, owner, colID string, token uint64) (*Changes, error)

	// Scheduling inbox: the per-principal resource accumulating iTIP
	// messages, readable with the same time-range contract as items.
	DeliverMessage(ctx context.Context, principal string, msg *Message) error
	ListMessages(ctx context.Context, principal string, tr *TimeRange) ([]*Message, error)
	ClearInbox(ctx context.Context, principal string) error
}
