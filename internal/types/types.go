// README: Shared identifier and coordinate value objects.
package types

// ID is an opaque entity identifier (user, order, account, batch).
type ID string

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// Role is the caller's role as reported by the identity provider.
type Role string

const (
	RoleRider   Role = "rider"
	RoleDriver  Role = "driver"
	RoleCashier Role = "cashier"
	RoleAdmin   Role = "admin"
)
