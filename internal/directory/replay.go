package directory

import (
	"context"
	"fmt"
	"iter"
	"os"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/syncrepl"
)

// ReplayConfig configures a trace replay source.
type ReplayConfig struct {
	// File is the recorded trace.
	File string `yaml:"file"`

	// Schema names the schema variant of the recorded directory.
	Schema string `yaml:"schema" default:"ldap"`

	Autodelete syncrepl.AutodeleteOverrides `yaml:"autodelete"`
}

// Replay is a watchable source that replays a recorded message trace.
// Entries are classified exactly as for a live directory, but lookups
// return ErrNotConnected.
type Replay struct {
	*Directory
	path string
}

var _ identity.Source = (*Replay)(nil)

// NewReplay returns a source replaying the trace in config.File.
func NewReplay(config *ReplayConfig) (*Replay, error) {
	if config.File == "" {
		return nil, fmt.Errorf("replay source requires a trace file")
	}
	schema, err := LookupSchema(config.Schema)
	if err != nil {
		return nil, err
	}
	return &Replay{
		Directory: NewWithClient(nil, schema, &Config{Autodelete: config.Autodelete}),
		path:      config.File,
	}, nil
}

func (r *Replay) String() string {
	return fmt.Sprintf("Replay(%s, %q)", r.schema.Name, r.path)
}

// Messages yields the recorded messages. The cookie is ignored.
func (r *Replay) Messages(ctx context.Context, _ *identity.SyncCookie, _ bool) iter.Seq2[*syncrepl.Message, error] {
	return func(yield func(*syncrepl.Message, error) bool) {
		f, err := os.Open(r.path)
		if err != nil {
			yield(nil, fmt.Errorf("failed to open trace: %w", err))
			return
		}
		defer f.Close()

		tflog.SubsystemDebug(ctx, logSubsystem, "Replaying trace", map[string]any{"file": r.path})

		for msg, err := range syncrepl.ReadTrace(f) {
			if !yield(msg, err) {
				return
			}
		}
	}
}

// Watch decodes the recorded trace.
func (r *Replay) Watch(ctx context.Context, cookie *identity.SyncCookie, persist bool) iter.Seq2[identity.Event, error] {
	decoder := syncrepl.NewDecoder(r.Directory, syncrepl.Options{
		Persist:    persist,
		Resumed:    cookie != nil,
		Autodelete: r.config.Autodelete,
	})
	return decoder.Decode(ctx, r.Messages(ctx, cookie, persist))
}
