// Package registry maps plugin names to database implementations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/config"
	"github.com/isometry/idsync/internal/directory"
	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/memory"
	"github.com/isometry/idsync/internal/postgres"
)

const logSubsystem = "registry"

// ErrUnknownPlugin is returned for declarations naming no registered
// plugin. It is always wrapped in a *config.Error.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Database is an open database of any capability.
type Database interface {
	Close() error
}

// Factory opens the database described by a declaration.
type Factory func(ctx context.Context, decl *config.Database) (Database, error)

// Registry maps plugin names to factories.
type Registry map[string]Factory

// Default returns a registry of the built-in plugins.
func Default() Registry {
	r := Registry{
		"replay":   openReplay,
		"postgres": openPostgres,
		"memory":   openMemory,
	}
	for _, name := range directory.SchemaNames() {
		r[name] = directoryFactory(name)
	}
	return r
}

// Names lists the registered plugins in sorted order.
func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}

// Open opens the database declared by decl.
func (r Registry) Open(ctx context.Context, decl *config.Database) (Database, error) {
	factory, ok := r[decl.Plugin]
	if !ok {
		return nil, &config.Error{
			Section: decl.Section,
			Reason:  fmt.Sprintf("plugin '%s' is not one of %s", decl.Plugin, strings.Join(r.Names(), ", ")),
			Err:     ErrUnknownPlugin,
		}
	}

	tflog.SubsystemDebug(ctx, logSubsystem, "Opening database", map[string]any{
		"plugin":  decl.Plugin,
		"section": decl.Section,
	})
	return factory(ctx, decl)
}

// Source opens a database that can be watched.
func (r Registry) Source(ctx context.Context, decl *config.Database) (identity.Source, error) {
	db, err := r.Open(ctx, decl)
	if err != nil {
		return nil, err
	}
	src, ok := db.(identity.Source)
	if !ok {
		db.Close()
		return nil, &config.Error{Section: decl.Section, Reason: fmt.Sprintf("plugin '%s' cannot be used as a source", decl.Plugin)}
	}
	return src, nil
}

// Destination opens a database that can be written.
func (r Registry) Destination(ctx context.Context, decl *config.Database) (identity.Destination, error) {
	db, err := r.Open(ctx, decl)
	if err != nil {
		return nil, err
	}
	dst, ok := db.(identity.Destination)
	if !ok {
		db.Close()
		return nil, &config.Error{Section: decl.Section, Reason: fmt.Sprintf("plugin '%s' cannot be used as a destination", decl.Plugin)}
	}
	return dst, nil
}

func directoryFactory(schema string) Factory {
	return func(ctx context.Context, decl *config.Database) (Database, error) {
		s, err := directory.LookupSchema(schema)
		if err != nil {
			return nil, err
		}
		var cfg directory.Config
		if err := decl.Decode(&cfg); err != nil {
			return nil, err
		}
		d, err := directory.New(ctx, s, &cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func openReplay(_ context.Context, decl *config.Database) (Database, error) {
	var cfg directory.ReplayConfig
	if err := decl.Decode(&cfg); err != nil {
		return nil, err
	}
	r, err := directory.NewReplay(&cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func openPostgres(ctx context.Context, decl *config.Database) (Database, error) {
	var cfg postgres.Config
	if err := decl.Decode(&cfg); err != nil {
		return nil, err
	}
	db, err := postgres.New(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openMemory(_ context.Context, decl *config.Database) (Database, error) {
	var cfg memory.Config
	if err := decl.Decode(&cfg); err != nil {
		return nil, err
	}
	return memory.New(&cfg), nil
}
