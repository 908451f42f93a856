// Package cli implements the idsync command line.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isometry/idsync/internal/config"
	"github.com/isometry/idsync/internal/registry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose int
	Quiet   int

	// Registry resolves the plugins named in configuration files.
	Registry registry.Registry
}

// NewRootCommand creates the root command for the idsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(registry.Default())
}

func newRootCommand(reg registry.Registry) *cobra.Command {
	opts := &RootOptions{Registry: reg}

	cmd := &cobra.Command{
		Use:   "idsync",
		Short: "Identity synchronization",
		Long: "Synchronize users and groups from an LDAP directory into a user database,\n" +
			"following the directory with RFC 4533 content synchronization.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(withLogging(cmd.Context(), logLevel(opts.Verbose, opts.Quiet)))
		},
	}

	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.PersistentFlags().CountVarP(&opts.Quiet, "quiet", "q", "decrease log verbosity (repeatable)")

	cmd.AddCommand(NewSynchronizeCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// interrupted reports whether err is the cancellation of ctx.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// openFailure maps a failure to open a database onto an exit error.
func openFailure(role string, err error) error {
	if errors.Is(err, config.ErrConfig) {
		return WrapExitError(ExitCommandError, "invalid "+role, err)
	}
	return WrapExitError(ExitFailure, "failed to open "+role, err)
}

// boolFlag registers --name and --no-name for one setting. The last
// one given wins.
func boolFlag(cmd *cobra.Command, p *bool, name string, value bool, usage string) {
	cmd.Flags().BoolVar(p, name, value, usage)
	cmd.Flags().Var(negatedBool{p}, "no-"+name, "negate --"+name)
	cmd.Flags().Lookup("no-" + name).NoOptDefVal = "true"
}

// negatedBool sets the inverse of its value into a shared bool.
type negatedBool struct {
	p *bool
}

func (b negatedBool) String() string {
	if b.p == nil {
		return "false"
	}
	return strconv.FormatBool(!*b.p)
}

func (b negatedBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b.p = !v
	return nil
}

func (b negatedBool) Type() string {
	return "bool"
}
