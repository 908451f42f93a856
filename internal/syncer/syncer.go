// Package syncer synchronizes a destination user database from a
// watchable source.
//
// Synchronize drives a single run. The refresh phase, up to and
// including the RefreshComplete event and any sweep of entries no
// longer present at the source, is applied as one transaction.
// Subsequent persist phase changes are committed one event at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/reconcile"
)

const logSubsystem = "sync"

// Options control a synchronization run.
type Options struct {
	// Persist keeps watching for changes after the refresh phase.
	Persist bool

	// Strict disables matching of entries by key when no entry carries
	// the expected synchronization identifier.
	Strict bool

	// Delete removes entries deleted at the source instead of
	// disabling them.
	Delete bool

	// TruncationHook overrides the default notification when
	// multi-valued source attributes are collapsed.
	TruncationHook reconcile.TruncationHook
}

// Stats counts the changes made by a run.
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Disabled  int
	Deleted   int
	Commits   int
}

func (s Stats) fields() map[string]any {
	return map[string]any{
		"created":   s.Created,
		"updated":   s.Updated,
		"unchanged": s.Unchanged,
		"disabled":  s.Disabled,
		"deleted":   s.Deleted,
		"commits":   s.Commits,
	}
}

// Synchronizer synchronizes one destination from one source.
type Synchronizer struct {
	src  identity.Source
	dst  identity.Destination
	opts Options

	reconcilers map[identity.Kind]*reconcile.EntryReconciler

	// observed is non-nil while the refresh phase is being tracked.
	observed identity.SyncIdSet

	stats Stats
}

// New builds a synchronizer. Attribute reconcilers are selected once
// from the attributes declared by each side.
func New(src identity.Source, dst identity.Destination, opts Options) *Synchronizer {
	var ropts []reconcile.Option
	if opts.TruncationHook != nil {
		ropts = append(ropts, reconcile.WithTruncationHook(opts.TruncationHook))
	}

	s := &Synchronizer{
		src:         src,
		dst:         dst,
		opts:        opts,
		reconcilers: make(map[identity.Kind]*reconcile.EntryReconciler, len(identity.Kinds)),
	}
	for _, kind := range identity.Kinds {
		s.reconcilers[kind] = reconcile.NewEntryReconciler(kind, src.Attributes(kind), dst.Attributes(kind), ropts...)
	}
	return s
}

// Synchronize runs a single synchronization from src to dst.
func Synchronize(ctx context.Context, src identity.Source, dst identity.Destination, opts Options) error {
	return New(src, dst, opts).Run(ctx)
}

// Stats returns the changes made so far.
func (s *Synchronizer) Stats() Stats {
	return s.stats
}

// Run performs the synchronization. It returns when the source stream
// ends, or when ctx is cancelled, in which case uncommitted changes
// are discarded and nil is returned.
func (s *Synchronizer) Run(ctx context.Context) (err error) {
	defer func() {
		// Changes not yet committed belong to an incomplete step.
		if rbErr := s.dst.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			tflog.SubsystemError(ctx, logSubsystem, "Rollback failed", map[string]any{"error": rbErr.Error()})
			if err == nil {
				err = fmt.Errorf("failed to roll back: %w", rbErr)
			}
		}
	}()

	for kind, r := range s.reconcilers {
		tflog.SubsystemDebug(ctx, logSubsystem, "Attribute synchronization", map[string]any{
			"kind":       kind.String(),
			"attributes": r.Attributes(),
		})
	}

	if err := s.dst.Prepare(ctx); err != nil {
		return s.stopped(ctx, fmt.Errorf("failed to prepare destination: %w", err))
	}

	cookie, err := identity.Cookie(ctx, s.dst.State())
	if err != nil {
		return s.stopped(ctx, err)
	}

	tflog.SubsystemInfo(ctx, logSubsystem, "Starting synchronization", map[string]any{
		"persist": s.opts.Persist,
		"strict":  s.opts.Strict,
		"delete":  s.opts.Delete,
		"resume":  cookie != nil,
	})

	s.observed = identity.SyncIdSet{}

	for ev, err := range s.src.Watch(ctx, cookie, s.opts.Persist) {
		if err != nil {
			return s.stopped(ctx, fmt.Errorf("change stream failed: %w", err))
		}
		if err := s.dispatch(ctx, ev); err != nil {
			return s.stopped(ctx, err)
		}
	}

	if ctx.Err() != nil {
		return s.stopped(ctx, ctx.Err())
	}
	if s.tracking() {
		tflog.SubsystemWarn(ctx, logSubsystem, "Change stream ended before refresh completed", s.stats.fields())
	}

	tflog.SubsystemInfo(ctx, logSubsystem, "Synchronization complete", s.stats.fields())
	return nil
}

// stopped reports err unless it results from cancellation of ctx.
func (s *Synchronizer) stopped(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		tflog.SubsystemInfo(ctx, logSubsystem, "Synchronization cancelled", s.stats.fields())
		return nil
	}
	tflog.SubsystemError(ctx, logSubsystem, "Synchronization failed", map[string]any{"error": err.Error()})
	return err
}

func (s *Synchronizer) tracking() bool {
	return s.observed != nil
}

func (s *Synchronizer) dispatch(ctx context.Context, ev identity.Event) error {
	tflog.SubsystemTrace(ctx, logSubsystem, "Event", map[string]any{"event": ev.String()})

	switch ev := ev.(type) {
	case identity.EntryEvent:
		return s.entry(ctx, ev.Entry)

	case identity.UnchangedSyncIds:
		if s.tracking() {
			s.observed.Add(ev...)
		}
		return nil

	case identity.DeletedSyncIds:
		return s.deleted(ctx, ev)

	case identity.RefreshComplete:
		return s.refreshComplete(ctx, ev.Autodelete)

	case identity.SyncCookie:
		if err := identity.SetCookie(ctx, s.dst.State(), ev); err != nil {
			return err
		}
		return s.step(ctx)

	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
}

// entry creates or updates the destination entry matching src.
func (s *Synchronizer) entry(ctx context.Context, src identity.Entry) error {
	syncid := identity.SyncIdOf(src)
	if s.tracking() {
		s.observed.Add(syncid)
	}

	dst, err := s.dst.FindBySyncId(ctx, syncid)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", identity.Describe(src), err)
	}
	if dst != nil && dst.Kind() != src.Kind() {
		return fmt.Errorf("%s has the same sync id as %s", identity.Describe(src), identity.Describe(dst))
	}

	if dst == nil && !s.opts.Strict {
		dst, err = s.dst.FindByKey(ctx, src.Kind(), src.Key())
		if err != nil {
			return fmt.Errorf("failed to look up %s: %w", identity.Describe(src), err)
		}
		if dst != nil {
			fields := map[string]any{"entry": identity.Describe(src), "syncid": syncid.String()}
			if prev, ok := dst.SyncId(); ok {
				fields["previous_syncid"] = prev.String()
			}
			tflog.SubsystemInfo(ctx, logSubsystem, "Matched entry by key", fields)
		}
	}

	created := false
	if dst == nil {
		dst, err = s.dst.Create(ctx, src.Kind())
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", identity.Describe(src), err)
		}
		created = true
	}

	changed := s.reconcilers[src.Kind()].Reconcile(ctx, src, dst)

	switch {
	case created:
		s.stats.Created++
		tflog.SubsystemInfo(ctx, logSubsystem, "Creating entry", map[string]any{"entry": identity.Describe(src)})
	case changed:
		s.stats.Updated++
		tflog.SubsystemInfo(ctx, logSubsystem, "Updating entry", map[string]any{"entry": identity.Describe(src)})
	default:
		s.stats.Unchanged++
	}

	if created || changed {
		if err := s.dst.Save(ctx, dst); err != nil {
			return fmt.Errorf("failed to save %s: %w", identity.Describe(src), err)
		}
	}

	return s.step(ctx)
}

// deleted deletes or disables entries removed at the source.
func (s *Synchronizer) deleted(ctx context.Context, ids []identity.SyncId) error {
	for _, id := range ids {
		dst, err := s.dst.FindBySyncId(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up sync id %s: %w", id, err)
		}
		if dst == nil {
			tflog.SubsystemDebug(ctx, logSubsystem, "Deleted entry not present", map[string]any{"syncid": id.String()})
			continue
		}
		if err := s.remove(ctx, dst); err != nil {
			return err
		}
	}
	return s.step(ctx)
}

// refreshComplete sweeps entries not observed during the refresh phase
// and ends tracking.
func (s *Synchronizer) refreshComplete(ctx context.Context, autodelete bool) error {
	if s.tracking() && autodelete {
		stale, err := s.dst.FindBySyncIds(ctx, s.observed.Sorted(), true)
		if err != nil {
			return fmt.Errorf("failed to find unobserved entries: %w", err)
		}
		tflog.SubsystemInfo(ctx, logSubsystem, "Sweeping unobserved entries", map[string]any{
			"observed": len(s.observed),
			"stale":    len(stale),
		})
		for _, dst := range stale {
			if err := s.remove(ctx, dst); err != nil {
				return err
			}
		}
	}

	s.observed = nil
	tflog.SubsystemInfo(ctx, logSubsystem, "Refresh complete", s.stats.fields())
	return s.commit(ctx)
}

func (s *Synchronizer) remove(ctx context.Context, dst identity.WritableEntry) error {
	if s.opts.Delete {
		tflog.SubsystemInfo(ctx, logSubsystem, "Deleting entry", map[string]any{"entry": identity.Describe(dst)})
		if err := s.dst.Delete(ctx, dst); err != nil {
			return fmt.Errorf("failed to delete %s: %w", identity.Describe(dst), err)
		}
		s.stats.Deleted++
		return nil
	}

	if !dst.Enabled() {
		return nil
	}
	tflog.SubsystemInfo(ctx, logSubsystem, "Disabling entry", map[string]any{"entry": identity.Describe(dst)})
	dst.SetEnabled(false)
	if err := s.dst.Save(ctx, dst); err != nil {
		return fmt.Errorf("failed to disable %s: %w", identity.Describe(dst), err)
	}
	s.stats.Disabled++
	return nil
}

// step commits a single persist phase change. Changes made during the
// refresh phase wait for RefreshComplete.
func (s *Synchronizer) step(ctx context.Context) error {
	if s.tracking() {
		return nil
	}
	return s.commit(ctx)
}

func (s *Synchronizer) commit(ctx context.Context) error {
	if err := s.dst.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.stats.Commits++
	return nil
}
