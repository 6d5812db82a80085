package optimistic

import (
	"context"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncerr"
)

// EntityKey keys remote entities by id.
func EntityKey(e remote.Entity) string {
	return e.ID
}

// NewEntityEngine creates an Engine over remote entities.
func NewEntityEngine(opts ...Option) *Engine[remote.Entity] {
	return New(EntityKey, opts...)
}

// StoreOp adapts a store mutation into a RemoteOp. An error payload in the
// store's answer becomes a REMOTE_REJECTED error.
func StoreOp(store remote.Store, d remote.Descriptor) RemoteOp[remote.Entity] {
	return func(ctx context.Context) (*remote.Entity, error) {
		res, err := store.Mutate(ctx, d)
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, syncerr.NewRejected(string(d.Op), d.ID, res.Error.Code, res.Error.Message)
		}
		return res.Data, nil
	}
}

// MergeFields returns a Patch that overlays fields on a copy of the entity.
func MergeFields(fields map[string]any) Patch[remote.Entity] {
	return func(e remote.Entity) remote.Entity {
		out := e.Clone()
		if out.Fields == nil {
			out.Fields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			out.Fields[k] = v
		}
		return out
	}
}

// AddEntity inserts e through the store. The store assigns an id when e has
// none.
func AddEntity(ctx context.Context, eng *Engine[remote.Entity], store remote.Store, e remote.Entity) (remote.Entity, error) {
	return eng.Add(ctx, e, StoreOp(store, remote.Descriptor{
		Kind:   e.Kind,
		Op:     remote.OpInsert,
		ID:     e.ID,
		Fields: e.Fields,
	}))
}

// UpdateEntity merges fields into the entity under id through the store.
func UpdateEntity(ctx context.Context, eng *Engine[remote.Entity], store remote.Store, kind, id string, fields map[string]any) (remote.Entity, error) {
	return eng.Update(ctx, id, MergeFields(fields), StoreOp(store, remote.Descriptor{
		Kind:   kind,
		Op:     remote.OpUpdate,
		ID:     id,
		Fields: fields,
	}))
}

// RemoveEntity deletes the entity under id through the store.
func RemoveEntity(ctx context.Context, eng *Engine[remote.Entity], store remote.Store, kind, id string) error {
	return eng.Remove(ctx, id, StoreOp(store, remote.Descriptor{
		Kind: kind,
		Op:   remote.OpDelete,
		ID:   id,
	}))
}
