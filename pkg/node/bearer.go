package node

import (
	"context"

	"github.com/cuemby/compute-node/pkg/auth"
)

// managementBearer adapts auth.Manager's AccessBundle-returning
// GetAccess to management.BearerSource's plain-string contract.
type managementBearer struct {
	mgr *auth.Manager
}

func newManagementBearer(mgr *auth.Manager) *managementBearer {
	return &managementBearer{mgr: mgr}
}

func (b *managementBearer) GetAccess(ctx context.Context) (string, error) {
	bundle, err := b.mgr.GetAccess(ctx)
	if err != nil {
		return "", err
	}
	return bundle.Bearer.Token, nil
}

func (b *managementBearer) OnUnauthorized() { b.mgr.OnUnauthorized() }

// storageBearer adapts a session.TokenCell to storage.BearerSource.
type storageBearer struct {
	cell tokenCell
}

type tokenCell interface {
	Get() string
}

func newStorageBearer(cell tokenCell) storageBearer {
	return storageBearer{cell: cell}
}

func (b storageBearer) Get() string { return b.cell.Get() }
