package service

import (
	"context"
	"errors"
	"fmt"

	"escrow-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

const detailUnchanged = "unchanged"

// Registry manages the per-record grantee set.
type Registry struct {
	store      *RecordStore
	identities domain.IdentityPolicy
}

func NewRegistry(store *RecordStore, identities domain.IdentityPolicy) *Registry {
	return &Registry{store: store, identities: identities}
}

// IsPermitted reports whether identity may read rec's content. The owner
// is always permitted.
func (r *Registry) IsPermitted(rec domain.Record, identity string) bool {
	return rec.IsPermitted(identity)
}

func (r *Registry) Grant(ctx context.Context, id, caller, grantee string) error {
	return r.change(ctx, id, caller, grantee, domain.ActionGrant, domain.Record.WithGrantee)
}

func (r *Registry) Revoke(ctx context.Context, id, caller, grantee string) error {
	return r.change(ctx, id, caller, grantee, domain.ActionRevoke, domain.Record.WithoutGrantee)
}

func (r *Registry) change(ctx context.Context, id, caller, grantee string, action domain.Action, apply func(domain.Record, string) ([]string, bool)) error {
	logger := log.WithFields(log.Fields{
		"record_id": id,
		"actor":     caller,
		"grantee":   grantee,
		"action":    action,
	})

	_, err := r.store.update(ctx, id, func(cur domain.Record) (*domain.Record, domain.AuditEntry, error) {
		if cur.Owner != caller {
			return nil, domain.AuditEntry{}, domain.ErrForbidden
		}
		if err := r.identities.Validate(grantee); err != nil {
			return nil, domain.AuditEntry{}, err
		}

		grantees, changed := apply(cur, grantee)
		detail := "grantee=" + grantee
		if !changed {
			entry := r.store.audit.NewEntry(id, caller, action, detail+" "+detailUnchanged)
			return nil, entry, nil
		}
		next := cur.Clone()
		next.Grantees = grantees
		return &next, r.store.audit.NewEntry(id, caller, action, detail), nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			logger.Warn("Grantee change rejected, caller is not the owner")
		}
		return err
	}

	logger.Info("Grantee set updated")
	return nil
}

// AccessGate releases content only for verified records and permitted
// readers. Every read of an existing record leaves an ACCESS entry.
type AccessGate struct {
	store    *RecordStore
	registry *Registry
	content  ContentStore
	audit    *AuditLog
}

func NewAccessGate(store *RecordStore, registry *Registry, content ContentStore, audit *AuditLog) *AccessGate {
	return &AccessGate{
		store:    store,
		registry: registry,
		content:  content,
		audit:    audit,
	}
}

func (g *AccessGate) Read(ctx context.Context, id, requester string) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"record_id": id,
		"actor":     requester,
	})

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			logger.Info("Read of unknown record")
		}
		return nil, err
	}

	if rec.Status != domain.StatusConfirmed {
		g.deny(ctx, id, requester, fmt.Sprintf("denied: status %s", rec.Status))
		return nil, domain.ErrNotVerified
	}
	if !g.registry.IsPermitted(*rec, requester) {
		g.deny(ctx, id, requester, "denied: not permitted")
		return nil, domain.ErrForbidden
	}

	data, err := g.content.Get(ctx, rec.ContentRef)
	if err != nil {
		logger.WithError(err).WithField("content_ref", rec.ContentRef).Error("Failed to fetch content")
		return nil, upstream("get content", err)
	}

	if _, err := g.audit.Append(ctx, g.audit.NewEntry(id, requester, domain.ActionAccess, "granted")); err != nil {
		return nil, err
	}

	logger.Info("Content released")
	return data, nil
}

// deny records a refused read. The refusal stands even if the entry
// cannot be written.
func (g *AccessGate) deny(ctx context.Context, id, requester, detail string) {
	if _, err := g.audit.Append(ctx, g.audit.NewEntry(id, requester, domain.ActionAccess, detail)); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id": id,
			"actor":     requester,
		}).Warn("Failed to audit denied read")
	}
}
