package secondary

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// ErrDuplicateValue is returned when a value is already indexed.
var ErrDuplicateValue = errors.New("secondary: value already indexed")

// Unique maps indexed values to primary keys in its own engine, one key per
// value. Every call runs inside a transaction the caller opened on that
// engine; nothing ties it atomically to the transaction on the primary store.
type Unique struct {
	engine storage.Engine
	prefix storage.Key
}

// NewUnique creates the index called name on e.
func NewUnique(e storage.Engine, name string) *Unique {
	return &Unique{engine: e, prefix: storage.NewKey("index", name)}
}

// keyOf names the entry of v. The kind is part of the component, so the
// string "1" and the number 1 are different values.
func (u *Unique) keyOf(v storage.Value) storage.Key {
	return u.prefix.Append(v.Kind().String() + ":" + storage.EscapeComponent(v.String()))
}

// Insert maps v to primary. It fails with ErrDuplicateValue if v is mapped.
func (u *Unique) Insert(ctx context.Context, id storage.TxnID, primary storage.Key, v storage.Value) error {
	key := u.keyOf(v)
	_, err := u.engine.Read(ctx, id, key)
	switch {
	case err == nil:
		return errors.Annotatef(ErrDuplicateValue, "%s", v)
	case !storage.IsNotFound(err):
		return err
	}
	return u.engine.Write(ctx, id, key, storage.String(primary.String()))
}

// Update moves primary from old to updated.
func (u *Unique) Update(ctx context.Context, id storage.TxnID, primary storage.Key, old, updated storage.Value) error {
	if err := u.engine.Write(ctx, id, u.keyOf(old), storage.Deleted()); err != nil {
		return err
	}
	return u.Insert(ctx, id, primary, updated)
}

// Query returns the primary key v maps to.
func (u *Unique) Query(ctx context.Context, id storage.TxnID, v storage.Value) (storage.Key, error) {
	ver, err := u.engine.Read(ctx, id, u.keyOf(v))
	if err != nil {
		return nil, err
	}
	s, _ := ver.Value.AsString()
	return storage.Key(s), nil
}

// Delete removes the mapping of v.
func (u *Unique) Delete(ctx context.Context, id storage.TxnID, v storage.Value) error {
	return u.engine.Write(ctx, id, u.keyOf(v), storage.Deleted())
}
