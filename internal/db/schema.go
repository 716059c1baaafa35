package db

import "time"

// Table names
const (
	TableUserPermissions = "user_permissions"
	TableResourceGrants  = "resource_grants"
)

// WildcardResourceID grants an action on every resource of a type
const WildcardResourceID = ""

// UserPermission is one row of the user_permissions table
type UserPermission struct {
	ID             int64      `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	PermissionCode string     `db:"permission_code" json:"permission_code"`
	GrantedAt      time.Time  `db:"granted_at" json:"granted_at"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Active reports whether the grant has not expired
func (p *UserPermission) Active(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// ResourceGrant is one row of the resource_grants table
type ResourceGrant struct {
	ID           int64      `db:"id" json:"id"`
	UserID       string     `db:"user_id" json:"user_id"`
	ResourceType string     `db:"resource_type" json:"resource_type"`
	ResourceID   string     `db:"resource_id" json:"resource_id"`
	Action       string     `db:"action" json:"action"`
	GrantedAt    time.Time  `db:"granted_at" json:"granted_at"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Active reports whether the grant has not expired
func (g *ResourceGrant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}
