// Package config loads synchronization configuration files.
//
// A configuration file is a YAML mapping with a source and a
// destination section. Each section declares a database: a plugin name
// and the parameters for that plugin.
//
//	source:
//	  plugin: rfc2307
//	  uri: [ldaps://ldap.example.com]
//	  base: dc=example,dc=com
//	destination:
//	  plugin: postgres
//	  url: postgres://idsync@db.example.com/accounts
//
// Plugin parameters are decoded by the selected plugin, so they are
// held as YAML until the plugin is known.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

const (
	SectionSource      = "source"
	SectionDestination = "destination"

	keyPlugin = "plugin"
)

// ErrConfig matches every configuration error.
var ErrConfig = errors.New("configuration error")

// Error is a configuration error, located by file and section where
// known.
type Error struct {
	File    string
	Section string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("configuration error: ")
	if e.File != "" {
		fmt.Fprintf(&b, "in file '%s': ", e.File)
	}
	if e.Section != "" {
		fmt.Fprintf(&b, "in section '%s': ", e.Section)
	}
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == ErrConfig
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Database is a database declaration.
type Database struct {
	// Plugin names the database implementation.
	Plugin string

	// Section is the section the declaration was read from, if any.
	Section string

	// Params holds the remaining keys of the declaration.
	Params *yaml.Node
}

func (d *Database) String() string {
	return fmt.Sprintf("Database(%q)", d.Plugin)
}

// Decode fills v from the declaration parameters. Fields not set by
// the declaration take their `default` struct tag values. Unknown
// parameters are rejected.
func (d *Database) Decode(v any) error {
	if err := defaults.Set(v); err != nil {
		return &Error{Section: d.Section, Reason: fmt.Sprintf("invalid defaults for plugin '%s'", d.Plugin), Err: err}
	}
	if d.Params == nil || len(d.Params.Content) == 0 {
		return nil
	}

	data, err := yaml.Marshal(d.Params)
	if err != nil {
		return &Error{Section: d.Section, Reason: fmt.Sprintf("invalid parameters for plugin '%s'", d.Plugin), Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return &Error{Section: d.Section, Reason: fmt.Sprintf("invalid parameters for plugin '%s'", d.Plugin), Err: err}
	}
	return nil
}

// Synchronizer is a synchronization configuration.
type Synchronizer struct {
	Source      *Database
	Destination *Database
}

// Load reads a synchronization configuration file.
func Load(path string) (*Synchronizer, error) {
	root, err := readFile(path)
	if err != nil {
		return nil, err
	}
	sync, err := parseSynchronizer(root)
	return sync, inFile(err, path)
}

// Parse parses a synchronization configuration.
func Parse(data []byte) (*Synchronizer, error) {
	root, err := parse(data)
	if err != nil {
		return nil, err
	}
	return parseSynchronizer(root)
}

// LoadDatabase reads a single database declaration. The file may hold
// the declaration itself, or a synchronization configuration whose
// source is used.
func LoadDatabase(path string) (*Database, error) {
	root, err := readFile(path)
	if err != nil {
		return nil, err
	}
	db, err := parseAnyDatabase(root)
	return db, inFile(err, path)
}

// ParseDatabase parses a single database declaration, as LoadDatabase.
func ParseDatabase(data []byte) (*Database, error) {
	root, err := parse(data)
	if err != nil {
		return nil, err
	}
	return parseAnyDatabase(root)
}

func readFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{File: path, Reason: "cannot read file", Err: err}
	}
	root, err := parse(data)
	return root, inFile(err, path)
}

func inFile(err error, path string) error {
	var cerr *Error
	if errors.As(err, &cerr) && cerr.File == "" {
		cerr.File = path
	}
	return err
}

// parse returns the top-level mapping of a YAML document.
func parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Reason: "malformed YAML", Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &Error{Reason: "empty configuration"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &Error{Reason: "configuration must be a mapping"}
	}
	return root, nil
}

func parseSynchronizer(root *yaml.Node) (*Synchronizer, error) {
	var dbs [2]*Database
	for i, section := range []string{SectionSource, SectionDestination} {
		node := lookup(root, section)
		if node == nil {
			return nil, &Error{Reason: fmt.Sprintf("missing section '%s'", section)}
		}
		db, err := parseDatabase(node, section)
		if err != nil {
			return nil, err
		}
		dbs[i] = db
	}
	return &Synchronizer{Source: dbs[0], Destination: dbs[1]}, nil
}

func parseAnyDatabase(root *yaml.Node) (*Database, error) {
	if lookup(root, keyPlugin) == nil {
		if source := lookup(root, SectionSource); source != nil {
			return parseDatabase(source, SectionSource)
		}
	}
	return parseDatabase(root, "")
}

func parseDatabase(node *yaml.Node, section string) (*Database, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &Error{Section: section, Reason: "declaration must be a mapping"}
	}

	params := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	var plugin *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Value == keyPlugin {
			plugin = value
			continue
		}
		params.Content = append(params.Content, key, value)
	}

	if plugin == nil {
		return nil, &Error{Section: section, Reason: "missing declaration 'plugin'"}
	}
	if plugin.Kind != yaml.ScalarNode || plugin.Value == "" {
		return nil, &Error{Section: section, Reason: "declaration 'plugin' must be a name"}
	}

	return &Database{Plugin: plugin.Value, Section: section, Params: params}, nil
}

// lookup returns the value of key in a mapping node.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
