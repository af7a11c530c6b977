// Package api exposes the sharing engine over HTTP: collection listings,
// sharing operations, item CRUD with time-range reports, and the
// scheduling inbox. Authentication is out of scope here; the acting
// principal arrives in a header set by the fronting auth layer.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/davxml"
	"github.com/davshare/davshare/metrics"
	"github.com/davshare/davshare/scheduling"
	"github.com/davshare/davshare/sharing"
	"github.com/davshare/davshare/storage"
)

// PrincipalHeader names the acting principal on every request.
const PrincipalHeader = "X-Dav-Principal"

// Handler is the HTTP surface over the engines.
type Handler struct {
	projector *sharing.Projector
	acl       *acl.Engine
	scheduler *scheduling.Engine
	store     storage.Storage
	logger    *slog.Logger
}

// NewHandler wires the HTTP surface.
func NewHandler(projector *sharing.Projector, aclEngine *acl.Engine, scheduler *scheduling.Engine, store storage.Storage, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		projector: projector,
		acl:       aclEngine,
		scheduler: scheduler,
		store:     store,
		logger:    logger,
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware())

	r.Route("/collections", func(r chi.Router) {
		r.Get("/{principal}.json", h.listCollections)

		r.Post("/{principal}/subscriptions", h.subscribe)
		r.Delete("/{principal}/subscriptions/{localID}", h.unsubscribe)

		r.Get("/{principal}/inbox", h.listInbox)
		r.Post("/{principal}/inbox", h.deliverITIP)
		r.Delete("/{principal}/inbox", h.clearInbox)

		r.Route("/{principal}/{colID}", func(r chi.Router) {
			r.Delete("/", h.deleteCollection)
			r.Get("/props.xml", h.sharingProps)
			r.Get("/changes", h.changes)

			r.Post("/invite", h.grantDelegation)
			r.Delete("/invite/{grantee}", h.revokeDelegation)
			r.Put("/public-right", h.setPublicRight)

			r.Get("/items", h.listItems)
			r.Get("/items/{uid}", h.getItem)
			r.Put("/items/{uid}", h.putItem)
			r.Delete("/items/{uid}", h.deleteItem)
		})
	})
	return r
}

func actor(r *http.Request) string {
	return r.Header.Get(PrincipalHeader)
}

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSuffix(chi.URLParam(r, "principal"), ".json")
	q := r.URL.Query()

	opts := sharing.ListOptions{
		Personal:                 q.Get("personal") == "true",
		Shared:                   q.Get("shared") == "true",
		Subscribed:               q.Get("subscribed") == "true",
		ContactsCount:            q.Get("contactsCount") == "true",
		WithRights:               q.Get("withRights") == "true",
		SharedDelegationStatus:   q.Get("sharedDelegationStatus") == "true",
		SharedPublicSubscription: q.Get("sharedPublicSubscription") == "true",
	}
	if raw := q.Get("inviteStatus"); raw != "" {
		if status, err := strconv.Atoi(raw); err == nil {
			opts.InviteStatus = &status
		}
	}

	entries, err := h.projector.List(r.Context(), principal, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": entries})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceOwner      string `json:"sourceOwner"`
		SourceCollection string `json:"sourceCollection"`
		LocalID          string `json:"localId"`
		DisplayName      string `json:"displayName"`
		Color            string `json:"color"`
		ReadOnly         bool   `json:"readOnly"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	sub, err := h.projector.Subscribe(r.Context(), sharing.SubscribeRequest{
		Subscriber:       chi.URLParam(r, "principal"),
		SourceOwner:      body.SourceOwner,
		SourceCollection: body.SourceCollection,
		LocalID:          body.LocalID,
		DisplayName:      body.DisplayName,
		Color:            body.Color,
		ReadOnly:         body.ReadOnly,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"_links": map[string]any{"self": map[string]string{"href": sub.Href()}},
		"id":     sub.ID,
	})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.projector.Unsubscribe(r.Context(), chi.URLParam(r, "principal"), chi.URLParam(r, "localID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteCollection(w http.ResponseWriter, r *http.Request) {
	err := h.projector.DeleteCollection(r.Context(), actor(r), chi.URLParam(r, "principal"), chi.URLParam(r, "colID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantDelegation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Grantee string `json:"grantee"`
		Access  int    `json:"access"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := h.acl.GrantDelegation(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"),
		body.Grantee, storage.AccessLevel(body.Access))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	err := h.acl.RevokeDelegation(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"), chi.URLParam(r, "grantee"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPublicRight(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Right string `json:"right"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var right storage.PublicRight
	switch body.Right {
	case "hidden":
		right = storage.PublicHidden
	case "read":
		right = storage.PublicRead
	case "read-write":
		right = storage.PublicReadWrite
	default:
		http.Error(w, "right must be hidden, read or read-write", http.StatusBadRequest)
		return
	}

	err := h.acl.SetPublicRight(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"), right)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putItem(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "principal")
	colID := chi.URLParam(r, "colID")
	uid := chi.URLParam(r, "uid")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	item := &storage.Item{UID: uid}
	if strings.Contains(r.Header.Get("Content-Type"), "text/vcard") {
		card, err := storage.DecodeCard(string(raw))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if embedded := card.Value(vcard.FieldUID); embedded != "" && embedded != uid {
			http.Error(w, "vcard UID does not match request path", http.StatusBadRequest)
			return
		}
		item.Card = card
	} else {
		cal, err := storage.DecodeCalendar(string(raw))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if embedded := storage.UIDFromCalendar(cal); embedded != "" && embedded != uid {
			http.Error(w, "calendar UID does not match request path", http.StatusBadRequest)
			return
		}
		item.Calendar = cal
	}

	stored, err := h.projector.PutItem(r.Context(), actor(r), owner, colID, item, r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("ETag", stored.ETag)
	if stored.Sequence == 0 {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.projector.ReadItem(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	payload, err := storage.ItemPayload(item)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if item.Card != nil {
		w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	}
	w.Header().Set("ETag", item.ETag)
	_, _ = w.Write([]byte(payload))
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	err := h.projector.DeleteItem(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.projector.ReadItems(r.Context(), actor(r),
		chi.URLParam(r, "principal"), chi.URLParam(r, "colID"), tr)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload, err := storage.ItemPayload(item)
		if err != nil {
			continue
		}
		entry := map[string]any{"uid": item.UID, "etag": item.ETag}
		if item.Card != nil {
			entry["carddata"] = payload
		} else {
			entry["ics"] = payload
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) changes(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "principal")
	colID := chi.URLParam(r, "colID")
	if who := actor(r); who != owner {
		col, err := h.store.GetCollection(r.Context(), owner, colID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if !h.acl.EffectivePrivileges(who, col).CanRead() {
			writeError(w, h.logger, acl.Forbiddenf("%s cannot read %s/%s", who, owner, colID))
			return
		}
	}

	var token uint64
	if raw := r.URL.Query().Get("token"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid token", http.StatusBadRequest)
			return
		}
		token = parsed
	}

	changes, err := h.store.ChangesSince(r.Context(), owner, colID, token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	updated := make([]map[string]any, 0, len(changes.CreatedOrUpdated))
	for _, item := range changes.CreatedOrUpdated {
		payload, err := storage.ItemPayload(item)
		if err != nil {
			continue
		}
		updated = append(updated, map[string]any{"uid": item.UID, "etag": item.ETag, "data": payload})
	}
	deleted := changes.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"createdOrUpdated": updated,
		"deleted":          deleted,
		"token":            strconv.FormatUint(changes.NewToken, 10),
	})
}

func (h *Handler) sharingProps(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "principal")
	colID := chi.URLParam(r, "colID")

	col, err := h.store.GetCollection(r.Context(), owner, colID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if who := actor(r); who != owner && !h.acl.EffectivePrivileges(who, col).CanShare() {
		writeError(w, h.logger, acl.Forbiddenf("%s cannot read sharing state of %s/%s", who, owner, colID))
		return
	}

	xml, err := davxml.SharingProps(col)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml))
}

func (h *Handler) listInbox(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if actor(r) != principal {
		writeError(w, h.logger, acl.Forbiddenf("inbox of %s is private", principal))
		return
	}

	tr, err := timeRangeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages, err := h.store.ListMessages(r.Context(), principal, tr)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		entry := map[string]any{
			"id":        msg.ID,
			"method":    msg.Method,
			"sender":    msg.Sender,
			"recipient": msg.Recipient,
			"uid":       msg.UID,
		}
		if msg.Calendar != nil {
			if ics, err := storage.EncodeCalendar(msg.Calendar); err == nil {
				entry["ics"] = ics
			}
		}
		if msg.Previous != nil {
			if ics, err := storage.EncodeCalendar(msg.Previous); err == nil {
				entry["previousIcs"] = ics
			}
		}
		if len(msg.Changes) > 0 {
			changes := make(map[string]map[string]string, len(msg.Changes))
			for field, change := range msg.Changes {
				changes[field] = map[string]string{
					"previous": change.Previous.OrEmpty(),
					"current":  change.Current.OrEmpty(),
				}
			}
			entry["changes"] = changes
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h *Handler) deliverITIP(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	cal, err := storage.DecodeCalendar(string(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.scheduler.ProcessIncoming(r.Context(), principal, cal); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearInbox(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if actor(r) != principal {
		writeError(w, h.logger, acl.Forbiddenf("inbox of %s is private", principal))
		return
	}
	if err := h.store.ClearInbox(r.Context(), principal); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func timeRangeFromQuery(r *http.Request) (*storage.TimeRange, error) {
	q := r.URL.Query()
	rawStart, rawEnd := q.Get("start"), q.Get("end")
	if rawStart == "" && rawEnd == "" {
		return nil, nil
	}

	tr := &storage.TimeRange{}
	if rawStart != "" {
		t, err := parseTime(rawStart)
		if err != nil {
			return nil, err
		}
		tr.Start = &t
	}
	if rawEnd != "" {
		t, err := parseTime(rawEnd)
		if err != nil {
			return nil, err
		}
		tr.End = &t
	}
	return tr, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("20060102T150405Z", raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
