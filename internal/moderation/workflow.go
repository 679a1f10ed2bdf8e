// Package moderation implements the circle request workflow: members submit
// one request each, administrators approve or deny it, and approvals are
// pushed to every connected client.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/koltyakov/circlejoin/internal/circleproto"
	"github.com/koltyakov/circlejoin/internal/domain"
	"github.com/koltyakov/circlejoin/internal/keylock"
	"github.com/koltyakov/circlejoin/internal/kv"
	"github.com/koltyakov/circlejoin/internal/validator"
)

var idPattern = regexp.MustCompile(`/([a-z0-9]{6})(/|$)`)

var bannedValue = []byte("true")

// Hub is the part of the connection registry the workflow drives.
type Hub interface {
	Broadcast(e circleproto.Event) int
	DisconnectIdentity(name string) int
}

// Workflow coordinates moderation state in a [kv.Store]. Operations on one
// identity are serialized; the store itself offers no transactions.
type Workflow struct {
	store     kv.Store
	validator validator.Validator
	hub       Hub
	admins    map[string]struct{}
	log       *slog.Logger
	locks     *keylock.Map
}

func New(store kv.Store, v validator.Validator, hub Hub, admins []string, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return &Workflow{
		store:     store,
		validator: v,
		hub:       hub,
		admins:    set,
		log:       logger,
		locks:     keylock.New(),
	}
}

// validIdentity rejects names that would collide with ban flag keys.
func validIdentity(name string) bool {
	return name != "" && !strings.HasSuffix(name, domain.BanKeySuffix)
}

// ExtractID returns the six-character circle id embedded in rawURL.
func ExtractID(rawURL string) (string, bool) {
	m := idPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (w *Workflow) IsAdmin(name string) bool {
	_, ok := w.admins[name]
	return ok
}

// SubmitRequest records a pending request for identity. A non-admin with
// any existing entry gets domain.ErrConflict; an admin replaces it. The key
// is checked with the validator every time, overrides included.
func (w *Workflow) SubmitRequest(ctx context.Context, identity, rawURL, key string) error {
	const op = "submit request"
	if identity == "" {
		return &domain.ModerationError{Op: op, Err: domain.ErrUnauthorized}
	}
	if !validIdentity(identity) {
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrInvalidParams}
	}
	rawURL = strings.TrimSpace(rawURL)
	// Keys are stored as JSON, which would rewrite invalid UTF-8.
	if rawURL == "" || key == "" || !utf8.ValidString(key) {
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrInvalidParams}
	}
	id, ok := ExtractID(rawURL)
	if !ok {
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrInvalidParams}
	}

	unlock := w.locks.Lock(identity)
	defer unlock()

	banned, err := w.IsBanned(ctx, identity)
	if err != nil {
		return &domain.ModerationError{Identity: identity, Op: op, Err: err}
	}
	if banned {
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrForbidden}
	}

	_, err = w.store.Get(ctx, identity)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return &domain.ModerationError{Identity: identity, Op: op, Err: upstream(err)}
	case !w.IsAdmin(identity):
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrConflict}
	default:
		w.log.Info("admin overriding existing request", "name", identity)
	}

	resourceID := domain.ResourceIDPrefix + id
	if !w.validator.Validate(ctx, resourceID, key) {
		return &domain.ModerationError{Identity: identity, Op: op, Err: domain.ErrInvalidCredential}
	}

	payload, err := json.Marshal(domain.PendingPayload{
		ResourceID: html.EscapeString(resourceID),
		Key:        html.EscapeString(key),
	})
	if err != nil {
		return &domain.ModerationError{Identity: identity, Op: op, Err: err}
	}
	if err := w.store.Put(ctx, identity, payload); err != nil {
		return &domain.ModerationError{Identity: identity, Op: op, Err: upstream(err)}
	}
	w.log.Info("circle request submitted", "name", identity, "id", resourceID)
	return nil
}

// Decide resolves target's request. Approving broadcasts the stored circle
// to every live connection before the decision is written.
func (w *Workflow) Decide(ctx context.Context, actor, target, action string) error {
	const op = "decide"
	if !w.IsAdmin(actor) {
		return &domain.ModerationError{Identity: actor, Op: op, Err: domain.ErrForbidden}
	}
	if !validIdentity(target) || !domain.IsDecision(action) {
		return &domain.ModerationError{Identity: target, Op: op, Err: domain.ErrInvalidParams}
	}

	unlock := w.locks.Lock(target)
	defer unlock()

	if action == domain.DecisionApprove {
		p, err := w.pending(ctx, target)
		if err != nil {
			return &domain.ModerationError{Identity: target, Op: op, Err: err}
		}
		n := w.hub.Broadcast(circleproto.NewJoinCircle(p.ResourceID, p.Key))
		w.log.Info("circle approved", "name", target, "by", actor, "id", p.ResourceID, "clients", n)
	} else {
		w.log.Info("circle denied", "name", target, "by", actor)
	}

	if err := w.store.Put(ctx, target, []byte(action)); err != nil {
		return &domain.ModerationError{Identity: target, Op: op, Err: upstream(err)}
	}
	return nil
}

func (w *Workflow) pending(ctx context.Context, identity string) (domain.PendingPayload, error) {
	raw, err := w.store.Get(ctx, identity)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.PendingPayload{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PendingPayload{}, upstream(err)
	}
	p, ok := decodePending(raw)
	if !ok {
		return domain.PendingPayload{}, domain.ErrNotFound
	}
	return p, nil
}

func decodePending(raw []byte) (domain.PendingPayload, bool) {
	if domain.IsDecision(string(raw)) {
		return domain.PendingPayload{}, false
	}
	var p domain.PendingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ResourceID == "" {
		return domain.PendingPayload{}, false
	}
	return p, true
}

// ListPending returns every unresolved request, ordered by identity.
func (w *Workflow) ListPending(ctx context.Context) ([]domain.PendingRequest, error) {
	var out []domain.PendingRequest
	err := w.store.Scan(ctx, func(key string, value []byte) error {
		if strings.HasSuffix(key, domain.BanKeySuffix) {
			return nil
		}
		p, ok := decodePending(value)
		if !ok {
			return nil
		}
		out = append(out, domain.PendingRequest{Identity: key, ResourceID: p.ResourceID, Key: p.Key})
		return nil
	})
	if err != nil {
		return nil, &domain.ModerationError{Op: "list pending", Err: upstream(err)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Ban flags target and then drops its live connections, so a reconnect
// racing the disconnect already sees the flag. It returns how many
// connections were closed.
func (w *Workflow) Ban(ctx context.Context, actor, target string) (int, error) {
	const op = "ban"
	if !w.IsAdmin(actor) {
		return 0, &domain.ModerationError{Identity: actor, Op: op, Err: domain.ErrForbidden}
	}
	if !validIdentity(target) {
		return 0, &domain.ModerationError{Op: op, Err: domain.ErrInvalidParams}
	}
	if err := w.store.Put(ctx, domain.BanKey(target), bannedValue); err != nil {
		return 0, &domain.ModerationError{Identity: target, Op: op, Err: upstream(err)}
	}
	n := w.hub.DisconnectIdentity(target)
	w.log.Info("identity banned", "name", target, "by", actor, "closed", n)
	return n, nil
}

func (w *Workflow) Unban(ctx context.Context, actor, target string) error {
	const op = "unban"
	if !w.IsAdmin(actor) {
		return &domain.ModerationError{Identity: actor, Op: op, Err: domain.ErrForbidden}
	}
	if !validIdentity(target) {
		return &domain.ModerationError{Op: op, Err: domain.ErrInvalidParams}
	}
	if err := w.store.Delete(ctx, domain.BanKey(target)); err != nil {
		return &domain.ModerationError{Identity: target, Op: op, Err: upstream(err)}
	}
	w.log.Info("identity unbanned", "name", target, "by", actor)
	return nil
}

// IsBanned reports whether name carries a ban flag.
func (w *Workflow) IsBanned(ctx context.Context, name string) (bool, error) {
	_, err := w.store.Get(ctx, domain.BanKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, upstream(err)
	}
	return true, nil
}

// Status reports identity's own request state: none, pending, approve or
// deny.
func (w *Workflow) Status(ctx context.Context, identity string) (string, error) {
	const op = "status"
	if identity == "" {
		return "", &domain.ModerationError{Op: op, Err: domain.ErrUnauthorized}
	}
	raw, err := w.store.Get(ctx, identity)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.StatusNone, nil
	}
	if err != nil {
		return "", &domain.ModerationError{Identity: identity, Op: op, Err: upstream(err)}
	}
	if v := string(raw); domain.IsDecision(v) {
		return v, nil
	}
	return domain.StatusPending, nil
}

func upstream(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
}
