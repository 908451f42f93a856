package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/idsync/internal/config"
	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/syncrepl"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Persist bool
	Output  string
	Cookie  string
}

// messageSource is a database whose raw change stream can be recorded.
type messageSource interface {
	Messages(ctx context.Context, cookie *identity.SyncCookie, persist bool) iter.Seq2[*syncrepl.Message, error]
	Close() error
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace CONFIG",
		Short: "Record the raw change stream of a directory",
		Long: `Record the raw content synchronization messages of the directory declared
in CONFIG as a YAML document stream, one document per message.

CONFIG holds either a single database declaration or a synchronization
configuration, whose source is traced. With --cookie, the trace resumes
from the cookie stored in the file and every cookie received is written
back to it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, opts, args[0])
		},
	}

	boolFlag(cmd, &opts.Persist, "persist", true, "follow changes after the refresh")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "trace file (default stdout)")
	cmd.Flags().StringVarP(&opts.Cookie, "cookie", "c", "", "cookie file")

	return cmd
}

func runTrace(cmd *cobra.Command, opts *TraceOptions, path string) error {
	decl, err := config.LoadDatabase(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	cookie, err := readCookie(opts.Cookie)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid cookie file", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	db, err := opts.Registry.Open(ctx, decl)
	if err != nil {
		if interrupted(ctx, err) {
			return nil
		}
		return openFailure("source", err)
	}
	defer db.Close()

	src, ok := db.(messageSource)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("plugin '%s' cannot be traced", decl.Plugin))
	}

	var out io.Writer = cmd.OutOrStdout()
	if opts.Output != "" && opts.Output != "-" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot create trace file", err)
		}
		defer f.Close()
		out = f
	}

	w := syncrepl.NewTraceWriter(out)
	err = trace(ctx, src, cookie, opts, w)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to flush trace: %w", cerr)
	}

	fields := map[string]any{"messages": w.Count()}
	if err != nil {
		fields["error"] = err.Error()
		tflog.Error(ctx, "Trace failed", fields)
		return WrapExitError(ExitFailure, "trace failed", err)
	}
	tflog.Info(ctx, "Trace complete", fields)
	return nil
}

// trace records messages from src until the stream ends or ctx is
// cancelled.
func trace(ctx context.Context, src messageSource, cookie *identity.SyncCookie, opts *TraceOptions, w *syncrepl.TraceWriter) error {
	for msg, err := range src.Messages(ctx, cookie, opts.Persist) {
		if err != nil {
			if interrupted(ctx, err) {
				return nil
			}
			return err
		}
		if err := w.Write(msg); err != nil {
			return err
		}
		if c := msg.Cookie(); c != "" && opts.Cookie != "" {
			if err := writeCookie(opts.Cookie, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// readCookie returns the cookie stored in path, or nil if there is no
// file or it is empty.
func readCookie(path string) (*identity.SyncCookie, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := strings.TrimSpace(string(data))
	if c == "" {
		return nil, nil
	}
	cookie := identity.SyncCookie(c)
	return &cookie, nil
}

func writeCookie(path, cookie string) error {
	if err := os.WriteFile(path, []byte(cookie+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return nil
}
