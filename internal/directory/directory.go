// Package directory implements a watchable user database backed by an
// LDAP directory server supporting RFC 4533 content synchronization.
//
// Three schema variants are provided: LDAP (person and groupOfNames),
// RFC2307 (posixAccount and posixGroup) and FreeIPA (inetOrgPerson and
// ipaUserGroup with ipaUniqueID identifiers). A recorded message trace
// may be replayed in place of a live directory with NewReplay.
package directory

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/ldap"
	"github.com/isometry/idsync/internal/syncrepl"
)

const logSubsystem = "directory"

// searchAttributes requests all user and operational attributes.
var searchAttributes = []string{"*", "+"}

// ErrNotConnected is returned by lookups on a directory without a
// server connection.
var ErrNotConnected = errors.New("directory is not connected")

// Config configures a directory source.
type Config struct {
	ldap.ConnectionConfig `yaml:",inline"`

	// Autodelete overrides the server's autodelete flag for known
	// server quirks.
	Autodelete syncrepl.AutodeleteOverrides `yaml:"autodelete"`

	// BufferSize is the depth of the message buffer between the
	// connection and the decoder.
	BufferSize int `yaml:"buffer_size" default:"64"`

	// ReloadHint asks the server to send a full refresh when the
	// cookie is no longer valid.
	ReloadHint bool `yaml:"reload_hint"`
}

// Directory is an LDAP user database.
type Directory struct {
	client ldap.Client
	schema *Schema
	config *Config
}

var _ identity.Source = (*Directory)(nil)
var _ syncrepl.Classifier = (*Directory)(nil)

// New connects to the directory described by config.
func New(ctx context.Context, schema *Schema, config *Config) (*Directory, error) {
	config.ApplyEnvironment()

	client, err := ldap.NewClient(ctx, &config.ConnectionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create LDAP client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to directory: %w", err)
	}

	d := NewWithClient(client, schema, config)

	if whoami, err := client.WhoAmI(ctx); err == nil {
		tflog.SubsystemInfo(ctx, logSubsystem, "Connected to directory", map[string]any{
			"schema":  schema.Name,
			"base":    d.Base(),
			"authzid": whoami.AuthzID,
		})
	}

	return d, nil
}

// NewWithClient returns a directory using an existing client. A nil
// client gives a directory that can classify entries but not search.
func NewWithClient(client ldap.Client, schema *Schema, config *Config) *Directory {
	if config == nil {
		config = &Config{}
	}
	return &Directory{client: client, schema: schema, config: config}
}

func (d *Directory) String() string {
	return fmt.Sprintf("Directory(%s, %q)", d.schema.Name, d.Base())
}

// Schema returns the directory's schema variant.
func (d *Directory) Schema() *Schema { return d.schema }

// Base returns the search base.
func (d *Directory) Base() string {
	return d.config.SearchBase()
}

func (d *Directory) Attributes(kind identity.Kind) []identity.Attribute {
	return d.schema.model(kind).attributes()
}

// Classify builds a user or group from a search entry.
func (d *Directory) Classify(dn string, attrs map[string][]string) syncrepl.Entry {
	e := newEntry(d, identity.KindUser, dn, attrs)
	kind, ok := d.schema.classify(e.values("objectClass"))
	if !ok {
		return nil
	}
	e.kind = kind
	return wrap(e)
}

// Find looks up a single user or group by key. It returns nil if there
// is no such entry.
func (d *Directory) Find(ctx context.Context, kind identity.Kind, key string) (identity.Entry, error) {
	var found *entry
	for e, err := range d.search(ctx, kind, d.schema.model(kind).Single(key)) {
		if err != nil {
			return nil, err
		}
		if found != nil {
			tflog.SubsystemWarn(ctx, logSubsystem, "Ambiguous directory lookup", map[string]any{
				"kind": kind.String(),
				"key":  key,
			})
			return nil, nil
		}
		found = e
	}
	if found == nil {
		return nil, nil
	}
	return wrap(found), nil
}

// Users yields every user in the directory.
func (d *Directory) Users(ctx context.Context) iter.Seq2[identity.User, error] {
	return func(yield func(identity.User, error) bool) {
		for e, err := range d.search(ctx, identity.KindUser, d.schema.User.All()) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&User{e}, nil) {
				return
			}
		}
	}
}

// Groups yields every group in the directory.
func (d *Directory) Groups(ctx context.Context) iter.Seq2[identity.Group, error] {
	return func(yield func(identity.Group, error) bool) {
		for e, err := range d.search(ctx, identity.KindGroup, d.schema.Group.All()) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&Group{e}, nil) {
				return
			}
		}
	}
}

// search yields the entries of kind matching filter. The search runs
// each time the sequence is iterated.
func (d *Directory) search(ctx context.Context, kind identity.Kind, filter string) iter.Seq2[*entry, error] {
	return func(yield func(*entry, error) bool) {
		if d.client == nil {
			yield(nil, ErrNotConnected)
			return
		}

		tflog.SubsystemDebug(ctx, logSubsystem, "Searching directory", map[string]any{
			"filter": filter,
			"kind":   kind.String(),
		})

		result, err := d.client.SearchWithPaging(ctx, &ldap.SearchRequest{
			BaseDN:     d.Base(),
			Scope:      ldap.ScopeWholeSubtree,
			Filter:     filter,
			Attributes: searchAttributes,
			TimeLimit:  d.config.Timeout,
		})
		if err != nil {
			yield(nil, fmt.Errorf("failed to search for %s entries: %w", kind, err))
			return
		}

		for _, raw := range result.Entries {
			attrs := make(map[string][]string, len(raw.Attributes))
			for _, attr := range raw.Attributes {
				attrs[attr.Name] = attr.Values
			}
			if !yield(newEntry(d, kind, raw.DN, attrs), nil) {
				return
			}
		}
	}
}

// Messages streams raw content synchronization messages since cookie.
// The search is abandoned when iteration stops.
func (d *Directory) Messages(ctx context.Context, cookie *identity.SyncCookie, persist bool) iter.Seq2[*syncrepl.Message, error] {
	return func(yield func(*syncrepl.Message, error) bool) {
		if d.client == nil {
			yield(nil, ErrNotConnected)
			return
		}

		req := &ldap.SyncRequest{
			Search: ldap.SearchRequest{
				BaseDN:     d.Base(),
				Scope:      ldap.ScopeWholeSubtree,
				Filter:     d.schema.Filter(),
				Attributes: searchAttributes,
			},
			Persist:    persist,
			ReloadHint: d.config.ReloadHint,
			BufferSize: d.config.BufferSize,
		}
		if cookie != nil {
			req.Cookie = []byte(*cookie)
		}

		mode := "refreshOnly"
		if persist {
			mode = "refreshAndPersist"
		}
		tflog.SubsystemDebug(ctx, logSubsystem, "Watching directory", map[string]any{
			"mode":   mode,
			"filter": req.Search.Filter,
			"resume": cookie != nil,
		})

		resp, err := d.client.Syncrepl(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Close()

		for msg, err := range syncrepl.Messages(ctx, resp) {
			if !yield(msg, err) {
				return
			}
		}
	}
}

// Watch streams changes since cookie. A cookie the server no longer
// accepts restarts the stream with a full refresh.
func (d *Directory) Watch(ctx context.Context, cookie *identity.SyncCookie, persist bool) iter.Seq2[identity.Event, error] {
	return func(yield func(identity.Event, error) bool) {
		for {
			decoder := syncrepl.NewDecoder(d, syncrepl.Options{
				Persist:    persist,
				Resumed:    cookie != nil,
				Autodelete: d.config.Autodelete,
			})

			restart := false
			started := false
			for ev, err := range decoder.Decode(ctx, d.Messages(ctx, cookie, persist)) {
				if err != nil && !started && cookie != nil && ldap.IsRefreshRequiredError(err) {
					tflog.SubsystemWarn(ctx, logSubsystem, "Sync cookie rejected, restarting with full refresh", map[string]any{
						"error": err.Error(),
					})
					cookie, restart = nil, true
					break
				}
				started = true
				if !yield(ev, err) || err != nil {
					return
				}
			}
			if !restart {
				return
			}
		}
	}
}

// Close releases the directory connection.
func (d *Directory) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}
