// Package reconcile merges source entries into destination entries.
package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
)

const logSubsystem = "sync"

// Policy is the merge strategy for one attribute pair.
type Policy int

const (
	MultiToMulti Policy = iota
	MultiToSingle
	SingleToMulti
	SingleToSingle
)

func (p Policy) String() string {
	switch p {
	case MultiToMulti:
		return "multi_to_multi"
	case MultiToSingle:
		return "multi_to_single"
	case SingleToMulti:
		return "single_to_multi"
	case SingleToSingle:
		return "single_to_single"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// PolicyFor selects the merge strategy for a source and destination attribute.
func PolicyFor(src, dst identity.Attribute) Policy {
	switch {
	case src.Multi && dst.Multi:
		return MultiToMulti
	case src.Multi:
		return MultiToSingle
	case dst.Multi:
		return SingleToMulti
	default:
		return SingleToSingle
	}
}

// TruncationHook is called when a multi-valued source attribute is
// collapsed into a single-valued destination attribute and values are
// dropped.
type TruncationHook func(ctx context.Context, name string, dst identity.Entry, kept string, dropped []string)

// LogTruncation is the default TruncationHook. It logs a warning.
func LogTruncation(ctx context.Context, name string, dst identity.Entry, kept string, dropped []string) {
	tflog.SubsystemWarn(ctx, logSubsystem, "Discarding extra values for single-valued attribute", map[string]any{
		"attribute": name,
		"entry":     identity.Describe(dst),
		"kept":      kept,
		"dropped":   dropped,
	})
}

// AttributeReconciler synchronizes one named attribute.
type AttributeReconciler struct {
	name     string
	policy   Policy
	sync     func(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool
	truncate TruncationHook
}

// NewAttributeReconciler builds a reconciler for the attribute pair.
// The merge strategy is chosen here, once.
func NewAttributeReconciler(src, dst identity.Attribute, truncate TruncationHook) *AttributeReconciler {
	r := &AttributeReconciler{
		name:     src.Name,
		policy:   PolicyFor(src, dst),
		truncate: truncate,
	}
	switch r.policy {
	case MultiToMulti:
		r.sync = r.multiToMulti
	case MultiToSingle:
		r.sync = r.multiToSingle
	case SingleToMulti:
		r.sync = r.singleToMulti
	default:
		r.sync = r.singleToSingle
	}
	return r
}

func (r *AttributeReconciler) Name() string { return r.name }

func (r *AttributeReconciler) Policy() Policy { return r.policy }

// Reconcile updates dst from src and reports whether dst was modified.
func (r *AttributeReconciler) Reconcile(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	return r.sync(ctx, src, dst)
}

func (r *AttributeReconciler) multiToMulti(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	srcval := src.Get(r.name)
	if sameSet(dst.Get(r.name), srcval) {
		return false
	}
	r.set(ctx, dst, srcval)
	return true
}

func (r *AttributeReconciler) multiToSingle(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	srcval := src.Get(r.name)
	dstval := first(dst.Get(r.name))

	if len(srcval) == 0 {
		if dstval == "" {
			return false
		}
		r.set(ctx, dst, nil)
		return true
	}

	if dstval != "" && slices.Contains(srcval, dstval) {
		return false
	}

	r.set(ctx, dst, srcval[:1])
	if len(srcval) > 1 && r.truncate != nil {
		r.truncate(ctx, r.name, dst, srcval[0], slices.Clone(srcval[1:]))
	}
	return true
}

func (r *AttributeReconciler) singleToMulti(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	var want []string
	if v := first(src.Get(r.name)); v != "" {
		want = []string{v}
	}
	if sameSet(dst.Get(r.name), want) {
		return false
	}
	r.set(ctx, dst, want)
	return true
}

func (r *AttributeReconciler) singleToSingle(ctx context.Context, src identity.Entry, dst identity.WritableEntry) bool {
	srcval := first(src.Get(r.name))
	if first(dst.Get(r.name)) == srcval {
		return false
	}
	if srcval == "" {
		r.set(ctx, dst, nil)
	} else {
		r.set(ctx, dst, []string{srcval})
	}
	return true
}

func (r *AttributeReconciler) set(ctx context.Context, dst identity.WritableEntry, values []string) {
	tflog.SubsystemTrace(ctx, logSubsystem, "Updating attribute", map[string]any{
		"attribute": r.name,
		"policy":    r.policy.String(),
		"entry":     identity.Describe(dst),
		"values":    values,
	})
	dst.Set(r.name, values)
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// sameSet compares two value lists as unordered sets.
func sameSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, v := range a {
		as[v] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, v := range b {
		bs[v] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for v := range as {
		if _, ok := bs[v]; !ok {
			return false
		}
	}
	return true
}
