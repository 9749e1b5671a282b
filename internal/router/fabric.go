package router

import (
	"context"

	"github.com/blakebauman/fleetd/internal/agent"
	"github.com/blakebauman/fleetd/internal/fleet"
)

// Fabric implements agent.Peers on top of the registry: request/response
// calls to other agents, always addressed by owner key. Target agents
// are created on demand, exactly as if the request had arrived over
// HTTP.
type Fabric struct {
	reg *Registry
}

// NewFabric wraps a registry as the hierarchy fabric.
func NewFabric(reg *Registry) *Fabric {
	return &Fabric{reg: reg}
}

// SendMessage delivers a hierarchy message to the target agent.
func (f *Fabric) SendMessage(ctx context.Context, target fleet.OwnerKey, msg agent.InboundMessage) error {
	return f.reg.Get(target).ReceiveMessage(ctx, msg)
}

// DeleteSubtree recursively deletes the target and evicts its registry
// entry. A target with no persisted or in-memory state still deletes
// cleanly, keeping the operation idempotent.
func (f *Fabric) DeleteSubtree(ctx context.Context, target fleet.OwnerKey) error {
	a := f.reg.Get(target)
	err := a.DeleteSubtree(ctx)
	f.reg.Evict(target, a)
	return err
}

// PropagateStock applies a stock update at the target agent's level.
// The target's own threshold chain may fire in turn; the strictly
// shortening path rules out cycles.
func (f *Fabric) PropagateStock(ctx context.Context, target fleet.OwnerKey, upd agent.InventoryUpdate) error {
	_, err := f.reg.Get(target).StockUpdate(ctx, upd)
	return err
}
