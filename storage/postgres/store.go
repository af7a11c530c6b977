// Package postgres implements storage.Storage on top of a pgx connection
// pool. Collections carry their ACL and invite state as JSONB documents;
// item payloads are stored in their wire form and decoded on read.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/davshare/davshare/storage"
)

// DefaultAddressBookID is the collection ID of the address book provisioned
// alongside a principal's default calendar.
const DefaultAddressBookID = "contacts"

const itemKindCalendar = "calendar"
const itemKindContact = "contact"

// Store is the pgx-backed storage.Storage implementation.
type Store struct {
	pool PgxPool
}

// New wraps a pool. Call ApplyMigrations before first use.
func New(pool PgxPool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsurePrincipal(ctx context.Context, principal string) error {
	defaultACL, err := json.Marshal([]storage.ACE{
		{Principal: "{DAV:}authenticated", Privilege: storage.PrivReadFreeBusy, Protected: true},
	})
	if err != nil {
		return fmt.Errorf("marshal default acl: %w", err)
	}

	const q = `INSERT INTO collections (owner_id, id, display_name, kind, acl)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_id, id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, principal, principal, principal, storage.KindCalendar, defaultACL); err != nil {
		return fmt.Errorf("provision default calendar: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, principal, DefaultAddressBookID, "Contacts", storage.KindAddressBook, defaultACL); err != nil {
		return fmt.Errorf("provision default address book: %w", err)
	}
	return nil
}

const collectionColumns = `owner_id, id, display_name, color, kind, public_right,
sync_token, acl, invites, source_owner, source_id, read_only, system_managed,
resource, created_at, modified_at`

func scanCollection(row pgx.Row) (*storage.Collection, error) {
	var (
		col          storage.Collection
		acl, invites []byte
		srcOwner     *string
		srcID        *string
	)
	err := row.Scan(&col.OwnerID, &col.ID, &col.DisplayName, &col.Color, &col.Kind,
		&col.PublicRight, &col.SyncToken, &acl, &invites, &srcOwner, &srcID,
		&col.ReadOnly, &col.SystemManaged, &col.Resource, &col.Created, &col.Modified)
	if err != nil {
		return nil, err
	}
	if len(acl) > 0 {
		if err := json.Unmarshal(acl, &col.ACL); err != nil {
			return nil, fmt.Errorf("decode acl of %s/%s: %w", col.OwnerID, col.ID, err)
		}
	}
	if len(invites) > 0 {
		if err := json.Unmarshal(invites, &col.Invites); err != nil {
			return nil, fmt.Errorf("decode invites of %s/%s: %w", col.OwnerID, col.ID, err)
		}
	}
	if srcOwner != nil && srcID != nil {
		col.Source = &storage.SourceRef{OwnerID: *srcOwner, CollectionID: *srcID}
	}
	return &col, nil
}

func (s *Store) GetCollection(ctx context.Context, owner, id string) (*storage.Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE owner_id=$1 AND id=$2`
	col, err := scanCollection(s.pool.QueryRow(ctx, q, owner, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFoundf("collection %s/%s not found", owner, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s/%s: %w", owner, id, err)
	}
	return col, nil
}

func (s *Store) ListCollections(ctx context.Context, owner string) ([]*storage.Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE owner_id=$1 ORDER BY id`
	return s.queryCollections(ctx, q, owner)
}

func (s *Store) ListBySource(ctx context.Context, sourceOwner, sourceID string) ([]*storage.Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections
WHERE source_owner=$1 AND source_id=$2 ORDER BY owner_id, id`
	return s.queryCollections(ctx, q, sourceOwner, sourceID)
}

func (s *Store) ListDelegatedTo(ctx context.Context, principal string) ([]*storage.Collection, error) {
	marker, err := json.Marshal([]map[string]string{{"Principal": principal}})
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + collectionColumns + ` FROM collections
WHERE owner_id<>$1 AND invites @> $2 ORDER BY owner_id, id`
	return s.queryCollections(ctx, q, principal, marker)
}

func (s *Store) queryCollections(ctx context.Context, q string, args ...any) ([]*storage.Collection, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	var out []*storage.Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (s *Store) PutCollection(ctx context.Context, col *storage.Collection) error {
	acl, err := json.Marshal(col.ACL)
	if err != nil {
		return fmt.Errorf("marshal acl: %w", err)
	}
	invites, err := json.Marshal(col.Invites)
	if err != nil {
		return fmt.Errorf("marshal invites: %w", err)
	}
	var srcOwner, srcID *string
	if col.Source != nil {
		srcOwner, srcID = &col.Source.OwnerID, &col.Source.CollectionID
	}

	const q = `INSERT INTO collections
(owner_id, id, display_name, color, kind, public_right, acl, invites,
 source_owner, source_id, read_only, system_managed, resource)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (owner_id, id) DO UPDATE SET
 display_name=EXCLUDED.display_name, color=EXCLUDED.color,
 public_right=EXCLUDED.public_right, acl=EXCLUDED.acl,
 invites=EXCLUDED.invites, read_only=EXCLUDED.read_only,
 system_managed=EXCLUDED.system_managed, resource=EXCLUDED.resource,
 modified_at=NOW()`

	_, err = s.pool.Exec(ctx, q, col.OwnerID, col.ID, col.DisplayName, col.Color,
		col.Kind, col.PublicRight, acl, invites, srcOwner, srcID,
		col.ReadOnly, col.SystemManaged, col.Resource)
	if err != nil {
		return fmt.Errorf("put collection %s/%s: %w", col.OwnerID, col.ID, err)
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collections WHERE owner_id=$1 AND id=$2`, owner, id)
	if err != nil {
		return fmt.Errorf("delete collection %s/%s: %w", owner, id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFoundf("collection %s/%s not found", owner, id)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, owner, colID, uid string) (*storage.Item, error) {
	const q = `SELECT uid, sequence, etag, kind, payload, modified_at
FROM items WHERE owner_id=$1 AND collection_id=$2 AND uid=$3`
	item, err := scanItem(s.pool.QueryRow(ctx, q, owner, colID, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFoundf("item %s not found in %s/%s", uid, owner, colID)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", uid, err)
	}
	return item, nil
}

func scanItem(row pgx.Row) (*storage.Item, error) {
	var (
		item          storage.Item
		kind, payload string
	)
	if err := row.Scan(&item.UID, &item.Sequence, &item.ETag, &kind, &payload, &item.LastModified); err != nil {
		return nil, err
	}
	if kind == itemKindContact {
		card, err := storage.DecodeCard(payload)
		if err != nil {
			return nil, fmt.Errorf("decode contact %s: %w", item.UID, err)
		}
		item.Card = card
		return &item, nil
	}
	cal, err := storage.DecodeCalendar(payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", item.UID, err)
	}
	item.Calendar = cal
	return &item, nil
}

func (s *Store) PutItem(ctx context.Context, owner, colID string, item *storage.Item) error {
	payload, err := storage.ItemPayload(item)
	if err != nil {
		return err
	}
	kind := itemKindCalendar
	if item.Card != nil {
		kind = itemKindContact
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin put item: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	token, err := bumpSyncToken(ctx, tx, owner, colID)
	if err != nil {
		return err
	}
	const upsert = `INSERT INTO items
(owner_id, collection_id, uid, sequence, etag, kind, payload, modified_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (owner_id, collection_id, uid) DO UPDATE SET
 sequence=EXCLUDED.sequence, etag=EXCLUDED.etag, kind=EXCLUDED.kind,
 payload=EXCLUDED.payload, modified_at=NOW()`
	if _, err := tx.Exec(ctx, upsert, owner, colID, item.UID, item.Sequence, item.ETag, kind, payload); err != nil {
		return fmt.Errorf("put item %s: %w", item.UID, err)
	}
	if err := recordChange(ctx, tx, owner, colID, token, item.UID, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteItem(ctx context.Context, owner, colID, uid string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delete item: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE owner_id=$1 AND collection_id=$2 AND uid=$3`, owner, colID, uid)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFoundf("item %s not found in %s/%s", uid, owner, colID)
	}

	token, err := bumpSyncToken(ctx, tx, owner, colID)
	if err != nil {
		return err
	}
	if err := recordChange(ctx, tx, owner, colID, token, uid, true); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func bumpSyncToken(ctx context.Context, tx pgx.Tx, owner, colID string) (uint64, error) {
	var token uint64
	err := tx.QueryRow(ctx,
		`UPDATE collections SET sync_token = sync_token + 1, modified_at = NOW()
WHERE owner_id=$1 AND id=$2 RETURNING sync_token`, owner, colID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	if err != nil {
		return 0, fmt.Errorf("bump sync token of %s/%s: %w", owner, colID, err)
	}
	return token, nil
}

func recordChange(ctx context.Context, tx pgx.Tx, owner, colID string, token uint64, uid string, deleted bool) error {
	const q = `INSERT INTO changes (owner_id, collection_id, token, uid, deleted)
VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, q, owner, colID, token, uid, deleted); err != nil {
		return fmt.Errorf("record change for %s: %w", uid, err)
	}
	return nil
}

func (s *Store) ListItems(ctx context.Context, owner, colID string, tr *storage.TimeRange) ([]*storage.Item, error) {
	if _, err := s.GetCollection(ctx, owner, colID); err != nil {
		return nil, err
	}

	const q = `SELECT uid, sequence, etag, kind, payload, modified_at
FROM items WHERE owner_id=$1 AND collection_id=$2 ORDER BY uid`
	rows, err := s.pool.Query(ctx, q, owner, colID)
	if err != nil {
		return nil, fmt.Errorf("list items of %s/%s: %w", owner, colID, err)
	}
	defer rows.Close()

	var out []*storage.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		match, err := storage.MatchesRange(item, tr)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, item)
		}
	}
	return out, rows.Err()
}

func (s *Store) CountItems(ctx context.Context, owner, colID string) (int, error) {
	if _, err := s.GetCollection(ctx, owner, colID); err != nil {
		return 0, err
	}
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE owner_id=$1 AND collection_id=$2`,
		owner, colID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items of %s/%s: %w", owner, colID, err)
	}
	return count, nil
}

func (s *Store) SyncToken(ctx context.Context, owner, colID string) (uint64, error) {
	var token uint64
	err := s.pool.QueryRow(ctx,
		`SELECT sync_token FROM collections WHERE owner_id=$1 AND id=$2`,
		owner, colID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.NotFoundf("collection %s/%s not found", owner, colID)
	}
	if err != nil {
		return 0, fmt.Errorf("sync token of %s/%s: %w", owner, colID, err)
	}
	return token, nil
}

func (s *Store) ChangesSince(ctx context.Context, owner, colID string, token uint64) (*storage.Changes, error) {
	current, err := s.SyncToken(ctx, owner, colID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT uid, deleted FROM changes
WHERE owner_id=$1 AND collection_id=$2 AND token>$3 ORDER BY token`,
		owner, colID, token)
	if err != nil {
		return nil, fmt.Errorf("changes of %s/%s: %w", owner, colID, err)
	}
	defer rows.Close()

	// Latest state per UID wins within the window.
	latest := make(map[string]bool)
	var order []string
	for rows.Next() {
		var uid string
		var deleted bool
		if err := rows.Scan(&uid, &deleted); err != nil {
			return nil, err
		}
		if _, seen := latest[uid]; !seen {
			order = append(order, uid)
		}
		latest[uid] = deleted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &storage.Changes{NewToken: current}
	for _, uid := range order {
		if latest[uid] {
			result.Deleted = append(result.Deleted, uid)
			continue
		}
		item, err := s.GetItem(ctx, owner, colID, uid)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.CreatedOrUpdated = append(result.CreatedOrUpdated, item)
	}
	return result, nil
}

func (s *Store) DeliverMessage(ctx context.Context, principal string, msg *storage.Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	var ics, previous *string
	if msg.Calendar != nil {
		encoded, err := storage.EncodeCalendar(msg.Calendar)
		if err != nil {
			return err
		}
		ics = &encoded
	}
	if msg.Previous != nil {
		encoded, err := storage.EncodeCalendar(msg.Previous)
		if err != nil {
			return err
		}
		previous = &encoded
	}
	var changes []byte
	if len(msg.Changes) > 0 {
		encoded, err := json.Marshal(changesDoc(msg.Changes))
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
		changes = encoded
	}

	const q = `INSERT INTO inbox_messages
(id, principal, method, sender, recipient, uid, ics, previous_ics, changes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, q, id, principal, msg.Method, msg.Sender, msg.Recipient,
		msg.UID, ics, previous, changes)
	if err != nil {
		return fmt.Errorf("deliver message to %s: %w", principal, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, principal string, tr *storage.TimeRange) ([]*storage.Message, error) {
	const q = `SELECT id, method, sender, recipient, uid, ics, previous_ics, changes, received_at
FROM inbox_messages WHERE principal=$1 ORDER BY received_at`
	rows, err := s.pool.Query(ctx, q, principal)
	if err != nil {
		return nil, fmt.Errorf("list inbox of %s: %w", principal, err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		var (
			msg           storage.Message
			ics, previous *string
			changes       []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Method, &msg.Sender, &msg.Recipient,
			&msg.UID, &ics, &previous, &changes, &msg.Received); err != nil {
			return nil, err
		}
		if ics != nil {
			cal, err := storage.DecodeCalendar(*ics)
			if err != nil {
				return nil, fmt.Errorf("decode inbox message %s: %w", msg.ID, err)
			}
			msg.Calendar = cal
		}
		if previous != nil {
			cal, err := storage.DecodeCalendar(*previous)
			if err != nil {
				return nil, fmt.Errorf("decode inbox message %s: %w", msg.ID, err)
			}
			msg.Previous = cal
		}
		if len(changes) > 0 {
			msg.Changes, err = decodeChanges(changes)
			if err != nil {
				return nil, fmt.Errorf("decode inbox message %s: %w", msg.ID, err)
			}
		}
		if tr != nil && msg.Calendar != nil {
			match, err := storage.MatchesRange(&storage.Item{UID: msg.UID, Calendar: msg.Calendar}, tr)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *Store) ClearInbox(ctx context.Context, principal string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM inbox_messages WHERE principal=$1`, principal); err != nil {
		return fmt.Errorf("clear inbox of %s: %w", principal, err)
	}
	return nil
}

// fieldChangeDoc is the JSONB shape of one diff entry. Absent sides are
// stored as null so the mo.Option state round-trips.
type fieldChangeDoc struct {
	Previous *string `json:"previous"`
	Current  *string `json:"current"`
}

func changesDoc(changes map[string]storage.FieldChange) map[string]fieldChangeDoc {
	doc := make(map[string]fieldChangeDoc, len(changes))
	for field, change := range changes {
		var entry fieldChangeDoc
		if v, ok := change.Previous.Get(); ok {
			entry.Previous = &v
		}
		if v, ok := change.Current.Get(); ok {
			entry.Current = &v
		}
		doc[field] = entry
	}
	return doc
}

func decodeChanges(raw []byte) (map[string]storage.FieldChange, error) {
	var doc map[string]fieldChangeDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	changes := make(map[string]storage.FieldChange, len(doc))
	for field, entry := range doc {
		change := storage.FieldChange{}
		if entry.Previous != nil {
			change.Previous = mo.Some(*entry.Previous)
		}
		if entry.Current != nil {
			change.Current = mo.Some(*entry.Current)
		}
		changes[field] = change
	}
	return changes, nil
}

var _ storage.Storage = (*Store)(nil)
