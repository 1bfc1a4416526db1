// Package nodemgr drives the lifecycle of a single cluster node on
// top of its execution backend: starting, stopping, readiness
// polling, and replication configuration. Transient backend errors
// are retried with bounded exponential backoff; group join and leave
// are never retried here.
package nodemgr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/dbadmin"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// ErrNotReady is returned when a node does not answer its liveness
// query within the readiness timeout.
var ErrNotReady = errors.New("node not ready")

const (
	retryInitialInterval = 1 * time.Second
	retryMultiplier      = 2
	retryMaxAttempts     = 3

	readyPollInterval = 1 * time.Second
)

// retryTransient runs op, retrying unreachable/timeout class errors
// up to retryMaxAttempts times (1s/2s/4s waits). Anything else fails
// immediately.
func retryTransient(ctx context.Context, logger *zap.Logger, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !backend.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		attempt++
		logger.Warn("transient backend error, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts), ctx))
}

// Manager owns one node's backend and admin access.
type Manager struct {
	spec    *topology.NodeSpec
	backend backend.NodeBackend
	admin   dbadmin.Admin
	logger  *zap.Logger

	rootPassword string
}

type Options struct {
	Spec         *topology.NodeSpec
	Backend      backend.NodeBackend
	Admin        dbadmin.Admin
	Logger       *zap.Logger
	RootPassword string
}

// New wires a manager around an already-instantiated backend. The
// backend is not started.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		spec:         opts.Spec,
		backend:      opts.Backend,
		admin:        opts.Admin,
		logger:       logger.With(zap.Int("nodeId", opts.Spec.NodeID)),
		rootPassword: opts.RootPassword,
	}
}

func (m *Manager) Spec() *topology.NodeSpec {
	return m.spec
}

func (m *Manager) Backend() backend.NodeBackend {
	return m.backend
}

// Endpoint is the node's admin endpoint.
func (m *Manager) Endpoint() dbadmin.Endpoint {
	return dbadmin.Endpoint{
		Host:     m.spec.Host,
		Port:     m.spec.Port,
		Password: m.rootPassword,
	}
}

// Start brings the node up, retrying transient failures.
func (m *Manager) Start(ctx context.Context) error {
	return retryTransient(ctx, m.logger, func() error {
		return m.backend.Start(ctx)
	})
}

// Stop shuts the node down, retrying transient failures.
func (m *Manager) Stop(ctx context.Context) error {
	return retryTransient(ctx, m.logger, func() error {
		return m.backend.Stop(ctx)
	})
}

// Status queries the backend without retry; status calls are cheap
// and callers poll anyway.
func (m *Manager) Status(ctx context.Context) (backend.Status, error) {
	return m.backend.Status(ctx)
}

// WaitReady polls the backend status and then a trivial liveness
// query until the node answers or the timeout elapses.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if status, err := m.backend.Status(ctx); err == nil && status.Running {
			if _, err := m.backend.Exec(ctx, "SELECT 1;"); err == nil {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return errors.Wrapf(ErrNotReady, "node %d after %s", m.spec.NodeID, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// ConfigureForReplication prepares the instance for group
// replication. Already-configured instances count as success.
func (m *Manager) ConfigureForReplication(ctx context.Context) error {
	return m.admin.ConfigureInstance(ctx, m.Endpoint())
}

// Primary is the manager for the cluster's sole writable node.
type Primary struct {
	*Manager
}

func NewPrimary(opts Options) *Primary {
	return &Primary{Manager: New(opts)}
}

// CreateGroup bootstraps the replication group with this node as the
// founding member.
func (p *Primary) CreateGroup(ctx context.Context, groupName string) error {
	return p.admin.CreateGroup(ctx, p.Endpoint(), groupName, p.spec.GroupAddress())
}

// GroupStatus queries the group membership view.
func (p *Primary) GroupStatus(ctx context.Context, groupName string) (*dbadmin.GroupStatus, error) {
	return p.admin.GroupStatus(ctx, p.Endpoint(), groupName)
}

// Secondary is the manager for a read-replica node.
type Secondary struct {
	*Manager
}

func NewSecondary(opts Options) *Secondary {
	return &Secondary{Manager: New(opts)}
}

// Join adds this node to the replication group via clone-based state
// transfer and verifies it came up ONLINE. Never retried: a failed
// join leaves the node for an explicit follow-up command.
func (s *Secondary) Join(ctx context.Context, primary *Primary, groupName string) error {
	err := s.admin.AddMember(ctx, primary.Endpoint(), s.Endpoint(), groupName, s.spec.GroupAddress())
	if err != nil {
		return err
	}

	status, err := s.admin.GroupStatus(ctx, primary.Endpoint(), groupName)
	if err != nil {
		return err
	}

	// the group may key the member by its client address or its
	// group-replication address depending on how it registered
	if !status.Online(s.spec.Addr()) && !status.Online(s.spec.GroupAddress()) {
		return errors.Errorf("node %d joined but is not ONLINE", s.spec.NodeID)
	}

	return nil
}

// Leave removes this node from the replication group. Never retried.
func (s *Secondary) Leave(ctx context.Context, primary *Primary, groupName string) error {
	return s.admin.RemoveMember(ctx, primary.Endpoint(), s.Endpoint(), groupName)
}
