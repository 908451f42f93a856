package cli

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

const logName = "idsync"

// logSubsystems are the subsystems logged through by the internal
// packages.
var logSubsystems = []string{
	"ldap",
	"pool",
	"kerberos",
	"syncrepl",
	"directory",
	"sync",
	"postgres",
	"memory",
	"registry",
}

// logLevels are ordered from quietest to most verbose.
var logLevels = []hclog.Level{hclog.Error, hclog.Warn, hclog.Info, hclog.Debug, hclog.Trace}

// logLevel maps -v and -q counts onto a level, starting from INFO.
func logLevel(verbose, quiet int) hclog.Level {
	i := 2 + verbose - quiet
	i = max(0, min(i, len(logLevels)-1))
	return logLevels[i]
}

// withLogging installs a JSON root logger on stderr and registers every
// subsystem at the same level.
func withLogging(ctx context.Context, level hclog.Level) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(logName),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
		tfsdklog.WithStderrFromInit(),
	)
	for _, subsystem := range logSubsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevel(level))
	}
	return ctx
}
