package postgres

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/isometry/idsync/internal/identity"
)

// column maps an attribute onto a table column. Multi-valued
// attributes are stored as text[], single-valued ones as nullable text.
type column struct {
	identity.Attribute
	name string
}

// table describes the storage of one entry kind.
type table struct {
	name    string
	kind    identity.Kind
	columns []column

	// namespace derives row identifiers from sync identifiers.
	namespace uuid.UUID

	// selectSQL lists every row column, without a WHERE clause.
	selectSQL string
	insertSQL string
	updateSQL string
	deleteSQL string
}

func newTable(name string, kind identity.Kind, columns ...column) *table {
	t := &table{
		name:      name,
		kind:      kind,
		columns:   columns,
		namespace: identity.NameUUID(identity.NamespaceSQL, name),
	}

	names := []string{"id", "name", "syncid", "enabled"}
	for _, c := range columns {
		names = append(names, c.name)
	}

	placeholders := make([]string, len(names))
	assignments := make([]string, 0, len(names)-1)
	for i, name := range names {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		if i > 0 {
			assignments = append(assignments, name+" = "+placeholders[i])
		}
	}

	list := strings.Join(names, ", ")
	t.selectSQL = "SELECT " + list + " FROM " + name
	t.insertSQL = "INSERT INTO " + name + " (" + list + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	t.updateSQL = "UPDATE " + name + " SET " + strings.Join(assignments, ", ") + " WHERE id = $1"
	t.deleteSQL = "DELETE FROM " + name + " WHERE id = $1"
	return t
}

var (
	usersTable = newTable("users", identity.KindUser,
		column{identity.Attribute{Name: identity.AttrCommonName}, "common_name"},
		column{identity.Attribute{Name: identity.AttrDisplayName}, "display_name"},
		column{identity.Attribute{Name: identity.AttrEmployeeNumber}, "employee_number"},
		column{identity.Attribute{Name: identity.AttrGivenName}, "given_name"},
		column{identity.Attribute{Name: identity.AttrInitials}, "initials"},
		column{identity.Attribute{Name: identity.AttrMail, Multi: true}, "mail"},
		column{identity.Attribute{Name: identity.AttrMobile, Multi: true}, "mobile"},
		column{identity.Attribute{Name: identity.AttrSurname}, "surname"},
		column{identity.Attribute{Name: identity.AttrTelephoneNumber, Multi: true}, "telephone_number"},
		column{identity.Attribute{Name: identity.AttrTitle}, "title"},
	)

	groupsTable = newTable("groups", identity.KindGroup,
		column{identity.Attribute{Name: identity.AttrCommonName}, "common_name"},
		column{identity.Attribute{Name: identity.AttrDescription}, "description"},
	)

	tables = []*table{usersTable, groupsTable}
)

func tableFor(kind identity.Kind) *table {
	if kind == identity.KindGroup {
		return groupsTable
	}
	return usersTable
}

func (t *table) attributes() []identity.Attribute {
	attrs := make([]identity.Attribute, len(t.columns))
	for i, c := range t.columns {
		attrs[i] = c.Attribute
	}
	return attrs
}

// rowID returns the identifier of a new row. Rows stamped with a sync
// identifier get one derived from it, others a random one. Keys are
// never used as they change on rename and may later be reused.
func (t *table) rowID(syncid *uuid.UUID) uuid.UUID {
	if syncid == nil {
		return uuid.New()
	}
	return identity.NameUUID(t.namespace, syncid.String())
}

// scan reads one row selected by selectSQL.
func (t *table) scan(db *Database, row pgx.Row) (*Entry, error) {
	e := &Entry{db: db, table: t, attrs: make(map[string][]string, len(t.columns))}

	singles := make([]*string, len(t.columns))
	multis := make([][]string, len(t.columns))
	dest := []any{&e.id, &e.key, &e.syncid, &e.enabled}
	for i, c := range t.columns {
		if c.Multi {
			dest = append(dest, &multis[i])
		} else {
			dest = append(dest, &singles[i])
		}
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	for i, c := range t.columns {
		switch {
		case c.Multi && len(multis[i]) > 0:
			e.attrs[c.Name] = multis[i]
		case !c.Multi && singles[i] != nil:
			e.attrs[c.Name] = []string{*singles[i]}
		}
	}
	return e, nil
}

// values returns the arguments for insertSQL and updateSQL.
func (t *table) values(e *Entry) []any {
	args := []any{e.id, e.key, e.syncid, e.enabled}
	for _, c := range t.columns {
		values := e.attrs[c.Name]
		switch {
		case c.Multi && values == nil:
			args = append(args, []string{})
		case c.Multi:
			args = append(args, values)
		case len(values) == 0:
			args = append(args, (*string)(nil))
		default:
			args = append(args, &values[0])
		}
	}
	return args
}
