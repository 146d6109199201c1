package state

import "fmt"

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermCanRead  Permission = 1 << iota
	PermCanWrite            // 2
)

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Role is assigned to a connection once, at join time.
type Role string

const (
	RoleEditor    Role = "editor"
	RoleSpectator Role = "spectator"
)

var rolePerms = map[Role]Permission{
	RoleEditor:    PermCanRead | PermCanWrite,
	RoleSpectator: PermCanRead,
}

// Permissions returns the capability set of the role. Unknown roles get none.
func (r Role) Permissions() Permission {
	return rolePerms[r]
}

func (r Role) CanWrite() bool {
	return r.Permissions().Has(PermCanWrite)
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := rolePerms[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
