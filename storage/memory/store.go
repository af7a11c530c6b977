// Package memory provides the in-memory reference implementation of
// storage.Storage, used by tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davshare/davshare/storage"
)

// DefaultAddressBookID is the collection ID of the address book provisioned
// alongside a principal's default calendar.
const DefaultAddressBookID = "contacts"

type changeEntry struct {
	uid     string
	token   uint64
	deleted bool
}

// Store implements storage.Storage with mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*storage.Collection   // key: owner/colID
	items       map[string]map[string]*storage.Item // key: owner/colID -> uid
	changes     map[string][]changeEntry         // key: owner/colID
	inboxes     map[string][]*storage.Message    // key: principal
}

// New creates an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]*storage.Collection),
		items:       make(map[string]map[string]*storage.Item),
		changes:     make(map[string][]changeEntry),
		inboxes:     make(map[string][]*storage.Message),
	}
}

func key(owner, id string) string { return fmt.Sprintf("%s/%s", owner, id) }

func (s *Store) EnsurePrincipal(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	defaults := []*storage.Collection{
		{OwnerID: principal, ID: principal, DisplayName: principal, Kind: storage.KindCalendar},
		{OwnerID: principal, ID: DefaultAddressBookID, DisplayName: "Contacts", Kind: storage.KindAddressBook},
	}
	for _, col := range defaults {
		k := key(col.OwnerID, col.ID)
		if _, exists := s.collections[k]; exists {
			continue
		}
		col.Created = now
		col.Modified = now
		col.ACL = []storage.ACE{
			{Principal: "{DAV:}authenticated", Privilege: storage.PrivReadFreeBusy, Protected: true},
		}
		s.collections[k] = col
		s.items[k] = make(map[string]*storage.Item)
	}
	return nil
}

func (s *Store) GetCollection(_ context.Context, owner, id string) (*storage.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[key(owner, id)]
	if !ok {
		return nil, storage.NotFoundf("collection %s/%s not found", owner, id)
	}
	return cloneCollection(col), nil
}

func (s *Store) ListCollections(_ context.Context, owner string) ([]*storage.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Collection
	for _, col := range s.collections {
		if col.OwnerID == owner {
			out = append(out, cloneCollection(col))
		}
	}
	return out, nil
}

func (s *Store) PutCollection(_ context.Context, col *storage.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(col.OwnerID, col.ID)
	existing, exists := s.collections[k]
	dup := cloneCollection(col)
	now := time.Now()
	if exists {
		dup.Created = existing.Created
		dup.SyncToken = existing.SyncToken
	} else {
		dup.Created = now
		s.items[k] = make(map[string]*storage.Item)
	}
	dup.Modified = now
	s.collections[k] = dup
	return nil
}

func (s *Store) DeleteCollection(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(owner, id)
	if _, ok := s.collections[k]; !ok {
		return storage.NotFoundf("collection %s/%s not found", owner, id)
	}
	delete(s.collections, k)
	delete(s.items, k)
	delete(s.changes, k)
	return nil
}

func (s *Store) ListBySource(_ context.Context, sourceOwner, sourceID string) ([]*storage.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Collection
	for _, col := range s.collections {
		if col.Source != nil && col.Source.OwnerID == sourceOwner && col.Source.CollectionID == sourceID {
			out = append(out, cloneCollection(col))
		}
	}
	return out, nil
}

func (s *Store) ListDelegatedTo(_ context.Context, principal string) ([]*storage.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Collection
	for _, col := range s.collections {
		if col.OwnerID == principal {
			continue
		}
		if col.FindInvite(principal) != nil {
			out = append(out, cloneCollection(col))
		}
	}
	return out, nil
}

func (s *Store) GetItem(_ context.Context, owner, colID, uid string) (*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.items[key(owner, colID)]
	if !ok {
		return nil, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	item, ok := items[uid]
	if !ok {
		return nil, storage.NotFoundf("item %s not found in %s/%s", uid, owner, colID)
	}
	return item.Clone(), nil
}

func (s *Store) PutItem(_ context.Context, owner, colID string, item *storage.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(owner, colID)
	col, ok := s.collections[k]
	if !ok {
		return storage.NotFoundf("collection %s/%s not found", owner, colID)
	}

	dup := item.Clone()
	dup.LastModified = time.Now()
	col.SyncToken++
	s.items[k][dup.UID] = dup
	s.changes[k] = append(s.changes[k], changeEntry{uid: dup.UID, token: col.SyncToken})
	return nil
}

func (s *Store) DeleteItem(_ context.Context, owner, colID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(owner, colID)
	col, ok := s.collections[k]
	if !ok {
		return storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	if _, ok := s.items[k][uid]; !ok {
		return storage.NotFoundf("item %s not found in %s/%s", uid, owner, colID)
	}
	delete(s.items[k], uid)
	col.SyncToken++
	s.changes[k] = append(s.changes[k], changeEntry{uid: uid, token: col.SyncToken, deleted: true})
	return nil
}

func (s *Store) ListItems(_ context.Context, owner, colID string, tr *storage.TimeRange) ([]*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.items[key(owner, colID)]
	if !ok {
		return nil, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}

	var out []*storage.Item
	for _, item := range items {
		match, err := storage.MatchesRange(item, tr)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

func (s *Store) CountItems(_ context.Context, owner, colID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.items[key(owner, colID)]
	if !ok {
		return 0, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	return len(items), nil
}

func (s *Store) SyncToken(_ context.Context, owner, colID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[key(owner, colID)]
	if !ok {
		return 0, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	return col.SyncToken, nil
}

func (s *Store) ChangesSince(_ context.Context, owner, colID string, token uint64) (*storage.Changes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := key(owner, colID)
	col, ok := s.collections[k]
	if !ok {
		return nil, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}

	// Latest state per UID wins within the window.
	latest := make(map[string]bool)
	var order []string
	for _, entry := range s.changes[k] {
		if entry.token <= token {
			continue
		}
		if _, seen := latest[entry.uid]; !seen {
			order = append(order, entry.uid)
		}
		latest[entry.uid] = entry.deleted
	}

	result := &storage.Changes{NewToken: col.SyncToken}
	for _, uid := range order {
		if latest[uid] {
			result.Deleted = append(result.Deleted, uid)
		} else if item, ok := s.items[k][uid]; ok {
			result.CreatedOrUpdated = append(result.CreatedOrUpdated, item.Clone())
		}
	}
	return result, nil
}

func (s *Store) DeliverMessage(_ context.Context, principal string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := *msg
	if dup.Received.IsZero() {
		dup.Received = time.Now()
	}
	s.inboxes[principal] = append(s.inboxes[principal], &dup)
	return nil
}

func (s *Store) ListMessages(_ context.Context, principal string, tr *storage.TimeRange) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Message
	for _, msg := range s.inboxes[principal] {
		if tr != nil && msg.Calendar != nil {
			match, err := storage.MatchesRange(&storage.Item{UID: msg.UID, Calendar: msg.Calendar}, tr)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		dup := *msg
		out = append(out, &dup)
	}
	return out, nil
}

func (s *Store) ClearInbox(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inboxes, principal)
	return nil
}

func cloneCollection(col *storage.Collection) *storage.Collection {
	dup := *col
	dup.ACL = append([]storage.ACE(nil), col.ACL...)
	dup.Invites = append([]storage.Invite(nil), col.Invites...)
	if col.Source != nil {
		src := *col.Source
		dup.Source = &src
	}
	return &dup
}
