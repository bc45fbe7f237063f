package presence

// Role classifies an authenticated connection. The set is closed: tokens
// carrying anything else are rejected at upgrade time.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// ParseRole maps a token role claim to a Role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAgent, RoleSupervisor, RoleAdmin, RoleSuperAdmin:
		return Role(s), true
	}
	return "", false
}

// Room is a virtual grouping of connections computed by role on every
// broadcast. Rooms are never stored; membership is derived from the registry.
type Room string

const (
	// RoomSupervisors receives agent presence events.
	RoomSupervisors Room = "supervisors"
	// RoomAdmins receives back-office configuration change events.
	RoomAdmins Room = "admins"
)

// roomRoles is the exhaustive role-set mapping for each room. Broadcasting to
// a room not listed here delivers to nobody and logs a warning, so a typo
// cannot silently produce an empty fan-out.
var roomRoles = map[Room]map[Role]bool{
	RoomSupervisors: {
		RoleSupervisor: true,
		RoleAdmin:      true,
		RoleSuperAdmin: true,
	},
	RoomAdmins: {
		RoleAdmin:      true,
		RoleSuperAdmin: true,
	},
}

// Contains reports whether role is a member of the room.
func (r Room) Contains(role Role) bool {
	return roomRoles[r][role]
}

// Known reports whether the room has a declared role set.
func (r Room) Known() bool {
	_, ok := roomRoles[r]
	return ok
}
