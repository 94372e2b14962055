package entity

// Role is the role carried by a verified identity. Inside a room the same type names the party a user
// plays there (buyer or seller), which is decided by the room record and not by the token.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// ParseRole accepts the roles an identity provider may issue. An empty role defaults to buyer.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case "":
		return RoleBuyer, true
	case RoleBuyer, RoleSeller, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

func (r Role) IsParty() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Identity is what the identity bridge vouches for on a verified token.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
