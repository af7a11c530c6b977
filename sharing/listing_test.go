package sharing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/storage"
)

func entryByHref(entries []Entry, href string) *Entry {
	for i := range entries {
		if entries[i].Links.Self.Href == href {
			return &entries[i]
		}
	}
	return nil
}

func TestListAllCategories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	// Bob is delegated admin on Alice's calendar and subscribes to it.
	require.NoError(t, f.acl.GrantDelegation(ctx, "alice", "alice", "alice", "bob", storage.AccessAdmin))
	_, err := f.projector.Subscribe(ctx, SubscribeRequest{
		Subscriber: "bob", SourceOwner: "alice", SourceCollection: "alice",
		LocalID: "alice-mirror", DisplayName: "Alice's calendar",
	})
	require.NoError(t, err)

	entries, err := f.projector.List(ctx, "bob", ListOptions{})
	require.NoError(t, err)

	// Bob's own calendar: share-access 1, no subscription type.
	own := entryByHref(entries, "/calendars/bob/bob.json")
	require.NotNil(t, own)
	require.NotNil(t, own.ShareAccess)
	assert.Equal(t, 1, *own.ShareAccess)
	assert.Nil(t, own.SubscriptionType)

	// The subscription: typed delegation because Bob holds an invite.
	sub := entryByHref(entries, "/calendars/bob/alice-mirror.json")
	require.NotNil(t, sub)
	require.NotNil(t, sub.SubscriptionType)
	assert.Equal(t, "delegation", *sub.SubscriptionType)
	require.NotNil(t, sub.Source)
	assert.Equal(t, "/calendars/alice/alice.json", *sub.Source)

	// The delegation itself: access grade 5 and the delegated source.
	delegation := entryByHref(entries, "/calendars/alice/alice.json")
	require.NotNil(t, delegation)
	require.NotNil(t, delegation.ShareAccess)
	assert.Equal(t, 5, *delegation.ShareAccess)
	require.NotNil(t, delegation.DelegatedSource)
	assert.Equal(t, "/calendars/alice/alice.json", *delegation.DelegatedSource)
}

func TestListCategoryFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	require.NoError(t, f.acl.SetPublicRight(ctx, "alice", "alice", "alice", storage.PublicRead))
	_, err := f.projector.Subscribe(ctx, SubscribeRequest{
		Subscriber: "bob", SourceOwner: "alice", SourceCollection: "alice", LocalID: "mirror",
	})
	require.NoError(t, err)

	personal, err := f.projector.List(ctx, "bob", ListOptions{Personal: true})
	require.NoError(t, err)
	for _, e := range personal {
		assert.Nil(t, e.SubscriptionType)
	}
	assert.NotNil(t, entryByHref(personal, "/calendars/bob/bob.json"))

	subscribed, err := f.projector.List(ctx, "bob", ListOptions{Subscribed: true})
	require.NoError(t, err)
	require.Len(t, subscribed, 1)
	require.NotNil(t, subscribed[0].SubscriptionType)
	assert.Equal(t, "public", *subscribed[0].SubscriptionType)
}

func TestListSharedPublicSubscriptionFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	// A delegation-backed subscription is excluded by the public-only flag.
	require.NoError(t, f.acl.GrantDelegation(ctx, "alice", "alice", "alice", "bob", storage.AccessRead))
	_, err := f.projector.Subscribe(ctx, SubscribeRequest{
		Subscriber: "bob", SourceOwner: "alice", SourceCollection: "alice", LocalID: "mirror",
	})
	require.NoError(t, err)

	entries, err := f.projector.List(ctx, "bob", ListOptions{Subscribed: true, SharedPublicSubscription: true})
	require.NoError(t, err)
	assert.Nil(t, entryByHref(entries, "/calendars/bob/mirror.json"))
}

func TestListInviteStatusFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	require.NoError(t, f.acl.GrantDelegation(ctx, "alice", "alice", "alice", "bob", storage.AccessRead))

	accepted := int(storage.InviteAccepted)
	entries, err := f.projector.List(ctx, "bob", ListOptions{Shared: true, InviteStatus: &accepted})
	require.NoError(t, err)
	assert.NotNil(t, entryByHref(entries, "/calendars/alice/alice.json"))

	pending := int(storage.InvitePending)
	entries, err = f.projector.List(ctx, "bob", ListOptions{Shared: true, InviteStatus: &pending})
	require.NoError(t, err)
	assert.Nil(t, entryByHref(entries, "/calendars/alice/alice.json"))
}

func TestListWithRightsAndContactsCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.acl.GrantDelegation(ctx, "alice", "alice", "alice", "bob", storage.AccessReadWrite))

	entries, err := f.projector.List(ctx, "alice", ListOptions{Personal: true, WithRights: true, ContactsCount: true})
	require.NoError(t, err)

	cal := entryByHref(entries, "/calendars/alice/alice.json")
	require.NotNil(t, cal)
	require.Len(t, cal.Invites, 1)
	assert.Equal(t, "bob", cal.Invites[0].Principal)
	assert.Equal(t, 3, cal.Invites[0].Access)
	assert.Contains(t, cal.DavACL, string(storage.PrivReadFreeBusy))

	book := entryByHref(entries, "/addressbooks/alice/contacts.json")
	require.NotNil(t, book)
	require.NotNil(t, book.ContactsCount)
	assert.Equal(t, 0, *book.ContactsCount)
}

func TestInvitations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "mallory")
	require.NoError(t, f.acl.GrantDelegation(ctx, "alice", "alice", "alice", "bob", storage.AccessAdmin))

	invites, err := f.projector.Invitations(ctx, "alice", "alice", "alice")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, "bob", invites[0].Principal)

	// Admin delegates hold SHARE and may read the sharing state too.
	_, err = f.projector.Invitations(ctx, "bob", "alice", "alice")
	require.NoError(t, err)

	_, err = f.projector.Invitations(ctx, "mallory", "alice", "alice")
	assert.True(t, acl.IsForbidden(err))
}
