package app

import (
	"context"

	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metadata"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/pending"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

// InjectMetadata asks the user to accept a chain definition. A definition
// already known at the same or a newer spec version is accepted at once.
func (b *Broker) InjectMetadata(ctx context.Context, url string, def types.MetadataDef) (*pending.Future[bool], error) {
	if err := metadata.Validate(def); err != nil {
		return nil, err
	}
	entry, err := b.EnsureURLAuthorized(ctx, url)
	if err != nil {
		return nil, err
	}
	if b.meta.Knows(def) {
		return pending.Resolved(true), nil
	}

	id, future := b.metaRequests.Enqueue(url, def)
	logger.Info(ctx, "metadata provided", "id", id, "origin", entry.ID, "chain", def.Chain, "spec_version", def.SpecVersion)
	return future, nil
}

// ApproveMetadata stores the definition and registers it
func (b *Broker) ApproveMetadata(ctx context.Context, id string) error {
	claim, err := b.metaRequests.Take(id)
	if err != nil {
		return err
	}
	req := claim.Request
	if err := b.meta.Save(ctx, req.Payload); err != nil {
		return failClaim(claim, b.metrics, err)
	}
	claim.Resolve(true)
	b.metrics.ObserveResolution(types.KindMetadata, metrics.OutcomeApproved)
	logger.Info(ctx, "metadata approved", "id", id, "chain", req.Payload.Chain)
	return nil
}

// RejectMetadata discards the definition
func (b *Broker) RejectMetadata(ctx context.Context, id string) error {
	if err := b.metaRequests.Reject(id, apperrors.ErrRejected); err != nil {
		return err
	}
	b.metrics.ObserveResolution(types.KindMetadata, metrics.OutcomeRejected)
	return nil
}

// KnownMetadata lists the registered chain definitions
func (b *Broker) KnownMetadata() []types.MetadataDef {
	return b.meta.List()
}

// ReconcileMetadata keeps the most canonical definition per chain family
func (b *Broker) ReconcileMetadata(ctx context.Context, families []types.ChainFamily) error {
	removed, err := b.meta.Reconcile(ctx, families)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		logger.Info(ctx, "metadata reconciled", "removed", len(removed))
	}
	return nil
}
