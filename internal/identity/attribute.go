package identity

import "fmt"

// Attribute describes the name and cardinality of an entry field.
type Attribute struct {
	Name  string
	Multi bool
}

func (a Attribute) String() string {
	if a.Multi {
		return fmt.Sprintf("%s[]", a.Name)
	}
	return a.Name
}

// Canonical attribute names.
const (
	AttrCommonName      = "commonName"
	AttrDisplayName     = "displayName"
	AttrEmployeeNumber  = "employeeNumber"
	AttrGivenName       = "givenName"
	AttrInitials        = "initials"
	AttrMail            = "mail"
	AttrMobile          = "mobile"
	AttrSurname         = "surname"
	AttrTelephoneNumber = "telephoneNumber"
	AttrTitle           = "title"
	AttrDescription     = "description"
)

// UserAttributes is the stable order in which user attributes are synchronized.
var UserAttributes = []string{
	AttrCommonName,
	AttrDisplayName,
	AttrEmployeeNumber,
	AttrGivenName,
	AttrInitials,
	AttrMail,
	AttrMobile,
	AttrSurname,
	AttrTelephoneNumber,
	AttrTitle,
}

// GroupAttributes is the stable order in which group attributes are synchronized.
var GroupAttributes = []string{
	AttrCommonName,
	AttrDescription,
}

// SyncOrder returns the synchronization order of attribute names for kind.
func SyncOrder(kind Kind) []string {
	if kind == KindGroup {
		return GroupAttributes
	}
	return UserAttributes
}

// Lookup finds the named attribute within a declared attribute list.
func Lookup(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}
