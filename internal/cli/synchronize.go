package cli

import (
	"github.com/spf13/cobra"

	"github.com/isometry/idsync/internal/config"
	"github.com/isometry/idsync/internal/syncer"
)

// SynchronizeOptions holds flags for the synchronize command.
type SynchronizeOptions struct {
	*RootOptions
	Persist bool
	Strict  bool
	Delete  bool
}

// NewSynchronizeCommand creates the synchronize command.
func NewSynchronizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SynchronizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "synchronize CONFIG",
		Aliases: []string{"sync"},
		Short:   "Synchronize the destination from the source",
		Long: `Synchronize the destination database declared in CONFIG from its source.

The destination is brought up to date with a refresh, resuming from the
cookie it stored on the previous run. With --persist (the default) the
command then follows changes until interrupted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSynchronize(cmd, opts, args[0])
		},
	}

	boolFlag(cmd, &opts.Persist, "persist", true, "follow changes after the refresh")
	boolFlag(cmd, &opts.Strict, "strict", false, "never match unsynchronized entries by key")
	boolFlag(cmd, &opts.Delete, "delete", false, "delete entries removed from the source instead of disabling them")

	return cmd
}

func runSynchronize(cmd *cobra.Command, opts *SynchronizeOptions, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	src, err := opts.Registry.Source(ctx, cfg.Source)
	if err != nil {
		if interrupted(ctx, err) {
			return nil
		}
		return openFailure(config.SectionSource, err)
	}
	defer src.Close()

	dst, err := opts.Registry.Destination(ctx, cfg.Destination)
	if err != nil {
		if interrupted(ctx, err) {
			return nil
		}
		return openFailure(config.SectionDestination, err)
	}
	defer dst.Close()

	err = syncer.Synchronize(ctx, src, dst, syncer.Options{
		Persist: opts.Persist,
		Strict:  opts.Strict,
		Delete:  opts.Delete,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "synchronization failed", err)
	}
	return nil
}
