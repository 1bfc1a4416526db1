// Package dbadmin wraps the database's own administration tooling
// (MySQL Shell) behind a collaborator interface. The orchestration
// core depends only on this contract, never on mysqlsh itself.
package dbadmin

import (
	"context"
	"fmt"
)

// Endpoint addresses one mysqld instance for admin operations.
type Endpoint struct {
	Host     string
	Port     int
	Password string
}

// URI renders the MySQL Shell connection string.
func (e Endpoint) URI() string {
	return fmt.Sprintf("root:%s@%s:%d", e.Password, e.Host, e.Port)
}

// MemberState is the group-replication state of one member as
// reported by the group itself.
type MemberState struct {
	State string `json:"state"`
	Role  string `json:"role"`
}

// GroupStatus is the parsed view of the replication group.
type GroupStatus struct {
	Name    string                 `json:"name"`
	Members map[string]MemberState `json:"members"`
}

// Online reports whether the member at addr is an online group member.
func (s *GroupStatus) Online(addr string) bool {
	m, ok := s.Members[addr]
	return ok && m.State == "ONLINE"
}

// Admin is the database-admin collaborator contract.
//
// ConfigureInstance and AddMember are idempotent: an instance that is
// already configured, or already a group member, is success. Join and
// leave are never retried automatically by implementations.
type Admin interface {
	// ConfigureInstance prepares an instance for group replication
	// (durable identifiers, recovery settings).
	ConfigureInstance(ctx context.Context, target Endpoint) error

	// CreateGroup bootstraps the replication group on the primary,
	// making it the founding member.
	CreateGroup(ctx context.Context, primary Endpoint, groupName, localAddress string) error

	// AddMember joins target to the group via clone-based state
	// transfer, driven from the primary.
	AddMember(ctx context.Context, primary, target Endpoint, groupName, localAddress string) error

	// RemoveMember cleanly removes target from the group.
	RemoveMember(ctx context.Context, primary, target Endpoint, groupName string) error

	// GroupStatus queries the group's membership view from the
	// primary.
	GroupStatus(ctx context.Context, primary Endpoint, groupName string) (*GroupStatus, error)

	// Exec runs a generic SQL statement against target.
	Exec(ctx context.Context, target Endpoint, statement string) (string, error)
}
