package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// Divergence lists how a follower's view of a range differs from the leader's.
type Divergence struct {
	Prefix    storage.Key
	Missing   []string // on the leader only
	Extra     []string // on the follower only
	Different []string // on both, with different values
}

func (d *Divergence) Error() string {
	var parts []string
	if len(d.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", d.Missing))
	}
	if len(d.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("extra %v", d.Extra))
	}
	if len(d.Different) > 0 {
		parts = append(parts, fmt.Sprintf("different %v", d.Different))
	}
	return fmt.Sprintf("follower diverges under %s: %s", d.Prefix, strings.Join(parts, "; "))
}

// SelfCheck reads prefix on leader and follower in a transaction with the same
// id and compares the rows. Both transactions are aborted afterwards. A nil
// error means both sides returned the same keys with equal values.
func SelfCheck(ctx context.Context, leader, follower storage.Engine, id storage.TxnID, prefix storage.Key) error {
	if err := leader.NewTransaction(ctx, id); err != nil {
		return errors.Annotate(err, "leader")
	}
	defer leader.Abort(ctx, id)
	if err := follower.NewTransaction(ctx, id); err != nil {
		return errors.Annotate(err, "follower")
	}
	defer follower.Abort(ctx, id)

	want, err := leader.RangeRead(ctx, id, prefix)
	if err != nil {
		return errors.Annotate(err, "leader range read")
	}
	got, err := follower.RangeRead(ctx, id, prefix)
	if err != nil {
		return errors.Annotate(err, "follower range read")
	}
	if d := Compare(prefix, want, got); d != nil {
		return d
	}
	return nil
}

// Compare diffs two range reads. It returns nil when they hold the same keys
// with equal values.
func Compare(prefix storage.Key, leader, follower []storage.Entry) *Divergence {
	theirs := make(map[string]storage.Value, len(follower))
	for _, e := range follower {
		theirs[e.Key.String()] = e.Version.Value
	}
	d := &Divergence{Prefix: prefix}
	for _, e := range leader {
		k := e.Key.String()
		v, ok := theirs[k]
		switch {
		case !ok:
			d.Missing = append(d.Missing, k)
		case !v.EqualLoose(e.Version.Value):
			d.Different = append(d.Different, k)
		}
		delete(theirs, k)
	}
	for _, e := range follower {
		if _, ok := theirs[e.Key.String()]; ok {
			d.Extra = append(d.Extra, e.Key.String())
		}
	}
	if len(d.Missing)+len(d.Extra)+len(d.Different) == 0 {
		return nil
	}
	return d
}
