// Package keypackage implements the KeyPackage directory: one-time
// publish/fetch/rotate of MLS bootstrap credentials.
package keypackage

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/store"
)

// ErrNotFound is returned by Fetch when no unconsumed blob remains. The
// "last-resort" issuance policy from the design notes is deferred; callers
// see a deterministic exhaustion error instead.
var ErrNotFound = errors.New("keypackage: not_found")

const defaultPoolCap = 100

// RoutingInfo carries the federation-reservation fields every KeyPackage
// response includes, even in single-gateway deployments.
type RoutingInfo struct {
	ServedBy        string
	UserHomeGateway string
}

// Directory implements publish/fetch/rotate.
type Directory struct {
	repo      store.Repository
	poolCap   int
	gatewayID string
}

// New builds a KeyPackage directory backed by repo.
func New(repo store.Repository, gatewayID string, poolCap int) *Directory {
	if poolCap <= 0 {
		poolCap = defaultPoolCap
	}
	return &Directory{repo: repo, poolCap: poolCap, gatewayID: gatewayID}
}

// Publish persists blobs for deviceID, enforcing the per-device pool cap
// and rejecting duplicates by content hash. It returns how many of the
// submitted blobs were newly accepted.
func (d *Directory) Publish(ctx context.Context, deviceID, userID string, blobs [][]byte) (accepted int, routing RoutingInfo, err error) {
	accepted, err = d.repo.PublishKeyPackages(ctx, deviceID, userID, blobs, d.poolCap)
	if err != nil {
		return 0, RoutingInfo{}, fmt.Errorf("publish: %w", err)
	}
	return accepted, d.routingFor(userID), nil
}

// Fetch returns up to count unconsumed, unrevoked blobs for userID. Each
// blob is marked served atomically so it can never be returned again. When
// none remain, Fetch returns ErrNotFound rather than an empty slice, per
// the deterministic-exhaustion decision recorded for the deferred
// last-resort policy.
func (d *Directory) Fetch(ctx context.Context, userID string, count int) ([]domain.KeyPackage, RoutingInfo, error) {
	if count <= 0 {
		count = 1
	}
	packages, err := d.repo.FetchKeyPackages(ctx, userID, count)
	if err != nil {
		return nil, RoutingInfo{}, fmt.Errorf("fetch: %w", err)
	}
	if len(packages) == 0 {
		return nil, RoutingInfo{}, ErrNotFound
	}
	return packages, d.routingFor(userID), nil
}

// Rotate revokes a device's current unconsumed pool (when revoke is true)
// and stores replacement blobs subject to the same dedupe and pool-cap
// rules as Publish. Revocation is best-effort: blobs already fetched by a
// peer remain valid for that peer.
func (d *Directory) Rotate(ctx context.Context, deviceID, userID string, revoke bool, replacements [][]byte) (accepted int, routing RoutingInfo, err error) {
	accepted, err = d.repo.RotateKeyPackages(ctx, deviceID, userID, revoke, replacements, d.poolCap)
	if err != nil {
		return 0, RoutingInfo{}, fmt.Errorf("rotate: %w", err)
	}
	return accepted, d.routingFor(userID), nil
}

func (d *Directory) routingFor(userID string) RoutingInfo {
	return RoutingInfo{ServedBy: d.gatewayID, UserHomeGateway: d.gatewayID}
}
