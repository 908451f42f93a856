package directory

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/idsync/internal/identity"
)

// Mapping binds a canonical attribute to the directory attribute that
// holds it.
type Mapping struct {
	identity.Attribute
	LDAP string
}

// Model describes how one kind of entry is stored in the directory.
type Model struct {
	ObjectClass string
	Key         string
	Mappings    []Mapping

	// member returns the filter component selecting entries of this
	// model that are related to other, or false if there are none.
	member func(other *entry) (string, bool)
}

// All is the search filter matching every entry of the model.
func (m *Model) All() string {
	return fmt.Sprintf("(objectClass=%s)", m.ObjectClass)
}

// Single is the search filter matching the entry with the given key.
func (m *Model) Single(key string) string {
	return fmt.Sprintf("(&%s(%s=%s))", m.All(), m.Key, ldap.EscapeFilter(key))
}

// membership is the search filter matching the entries of this model
// related to other.
func (m *Model) membership(other *entry) (string, bool) {
	filter, ok := m.member(other)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("(&%s%s)", m.All(), filter), true
}

func (m *Model) attributes() []identity.Attribute {
	attrs := make([]identity.Attribute, len(m.Mappings))
	for i, mapping := range m.Mappings {
		attrs[i] = mapping.Attribute
	}
	return attrs
}

func (m *Model) mapping(name string) (Mapping, bool) {
	for _, mapping := range m.Mappings {
		if mapping.Name == name {
			return mapping, true
		}
	}
	return Mapping{}, false
}

// Schema is a directory layout variant.
type Schema struct {
	Name  string
	User  Model
	Group Model

	// UUID names the attribute holding the permanent identifier.
	UUID string

	// Locked names a boolean attribute that disables a user when TRUE.
	Locked string
}

func (s *Schema) model(kind identity.Kind) *Model {
	if kind == identity.KindGroup {
		return &s.Group
	}
	return &s.User
}

// Filter is the search filter matching every user and group.
func (s *Schema) Filter() string {
	return fmt.Sprintf("(|%s%s)", s.User.All(), s.Group.All())
}

// classify returns the kind of an entry from its object classes. An
// entry carrying both classes is a user.
func (s *Schema) classify(objectClasses []string) (identity.Kind, bool) {
	for _, kind := range identity.Kinds {
		class := s.model(kind).ObjectClass
		if slices.ContainsFunc(objectClasses, func(oc string) bool { return strings.EqualFold(oc, class) }) {
			return kind, true
		}
	}
	return 0, false
}

func single(name, ldapName string) Mapping {
	return Mapping{Attribute: identity.Attribute{Name: name}, LDAP: ldapName}
}

func multi(name, ldapName string) Mapping {
	return Mapping{Attribute: identity.Attribute{Name: name, Multi: true}, LDAP: ldapName}
}

var personMappings = []Mapping{
	single(identity.AttrCommonName, "cn"),
	single(identity.AttrDisplayName, "displayName"),
	single(identity.AttrEmployeeNumber, "employeeNumber"),
	single(identity.AttrGivenName, "givenName"),
	single(identity.AttrInitials, "initials"),
	multi(identity.AttrMail, "mail"),
	multi(identity.AttrMobile, "mobile"),
	single(identity.AttrSurname, "sn"),
	multi(identity.AttrTelephoneNumber, "telephoneNumber"),
	single(identity.AttrTitle, "title"),
}

var groupMappings = []Mapping{
	single(identity.AttrCommonName, "cn"),
	single(identity.AttrDescription, "description"),
}

// memberOf selects users listing the group DN in memberOf.
func memberOf(group *entry) (string, bool) {
	return fmt.Sprintf("(memberOf=%s)", ldap.EscapeFilter(group.dn)), true
}

// member selects groups listing the user DN in member.
func member(user *entry) (string, bool) {
	return fmt.Sprintf("(member=%s)", ldap.EscapeFilter(user.dn)), true
}

// Schema variants.
var (
	LDAP = &Schema{
		Name: "ldap",
		User: Model{
			ObjectClass: "person",
			Key:         "cn",
			Mappings:    personMappings,
			member:      memberOf,
		},
		Group: Model{
			ObjectClass: "groupOfNames",
			Key:         "cn",
			Mappings:    groupMappings,
			member:      member,
		},
		UUID: "entryUUID",
	}

	RFC2307 = &Schema{
		Name: "rfc2307",
		User: Model{
			ObjectClass: "posixAccount",
			Key:         "uid",
			Mappings:    personMappings,
			member: func(group *entry) (string, bool) {
				uids := group.values("memberUid")
				if len(uids) == 0 {
					return "", false
				}
				var b strings.Builder
				b.WriteString("(|")
				for _, uid := range uids {
					fmt.Fprintf(&b, "(uid=%s)", ldap.EscapeFilter(uid))
				}
				b.WriteString(")")
				return b.String(), true
			},
		},
		Group: Model{
			ObjectClass: "posixGroup",
			Key:         "cn",
			Mappings:    groupMappings,
			member: func(user *entry) (string, bool) {
				return fmt.Sprintf("(memberUid=%s)", ldap.EscapeFilter(user.Key())), true
			},
		},
		UUID: "entryUUID",
	}

	FreeIPA = &Schema{
		Name: "freeipa",
		User: Model{
			ObjectClass: "inetOrgPerson",
			Key:         "uid",
			Mappings:    personMappings,
			member:      memberOf,
		},
		Group: Model{
			ObjectClass: "ipaUserGroup",
			Key:         "cn",
			Mappings:    groupMappings,
			member:      member,
		},
		UUID:   "ipaUniqueID",
		Locked: "nsAccountLock",
	}
)

var schemas = map[string]*Schema{
	LDAP.Name:    LDAP,
	RFC2307.Name: RFC2307,
	FreeIPA.Name: FreeIPA,
}

// LookupSchema returns the named schema variant.
func LookupSchema(name string) (*Schema, error) {
	if s, ok := schemas[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown directory schema %q (expected one of %s)", name, strings.Join(SchemaNames(), ", "))
}

// SchemaNames lists the schema variants in sorted order.
func SchemaNames() []string {
	return slices.Sorted(maps.Keys(schemas))
}
