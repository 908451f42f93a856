package reconcile

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
)

// Option configures an EntryReconciler.
type Option func(*options)

type options struct {
	truncate TruncationHook
}

// WithTruncationHook replaces the hook invoked when multi-valued source
// attributes are collapsed. A nil hook disables notification.
func WithTruncationHook(hook TruncationHook) Option {
	return func(o *options) {
		o.truncate = hook
	}
}

// EntryReconciler synchronizes a destination entry from a source entry
// of the same kind.
type EntryReconciler struct {
	kind  identity.Kind
	attrs []*AttributeReconciler
}

// NewEntryReconciler builds a reconciler for the attributes declared by
// both sides, in the canonical synchronization order for kind.
func NewEntryReconciler(kind identity.Kind, src, dst []identity.Attribute, opts ...Option) *EntryReconciler {
	o := options{truncate: LogTruncation}
	for _, opt := range opts {
		opt(&o)
	}

	r := &EntryReconciler{kind: kind}
	for _, name := range identity.SyncOrder(kind) {
		s, ok := identity.Lookup(src, name)
		if !ok {
			continue
		}
		d, ok := identity.Lookup(dst, name)
		if !ok {
			continue
		}
		r.attrs = append(r.attrs, NewAttributeReconciler(s, d, o.truncate))
	}
	return r
}

func (r *EntryReconciler) Kind() identity.Kind { return r.kind }

// Attributes returns the names of the synchronized attributes in order.
func (r *EntryReconciler) Attributes() []string {
	names := make([]string, len(r.attrs))
	for i, a := range r.attrs {
		names[i] = a.Name()
	}
	return names
}

// Reconcile updates dst from src and reports whether dst was modified.
//
// The order is fixed: synchronization identifier and canonical key,
// then enabled status, then attributes.
func (r *EntryReconciler) Reconcile(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	changed := false

	syncid := identity.SyncIdOf(src)
	if cur, ok := dst.SyncId(); !ok || cur != syncid {
		dst.SetSyncId(syncid)
		changed = true
	}
	if dst.Key() != src.Key() {
		dst.SetKey(src.Key())
		changed = true
	}

	if dst.Enabled() != src.Enabled() {
		dst.SetEnabled(src.Enabled())
		changed = true
	}

	for _, a := range r.attrs {
		if a.Reconcile(ctx, src, dst) {
			changed = true
		}
	}

	if changed {
		tflog.SubsystemDebug(ctx, logSubsystem, "Reconciled entry", map[string]any{
			"entry":  identity.Describe(src),
			"syncid": syncid.String(),
		})
	}
	return changed
}
