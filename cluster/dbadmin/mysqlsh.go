package dbadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
)

const (
	configureTimeout = 120 * time.Second

	// joins run a clone-based state transfer, which can take a while
	joinTimeout = 300 * time.Second

	removeTimeout = 60 * time.Second
	statusTimeout = 30 * time.Second
)

// MysqlShell is the mysqlsh-backed Admin implementation.
type MysqlShell struct {
	logger  *zap.Logger
	runner  backend.Runner
	binPath string
}

type MysqlShellOptions struct {
	Logger *zap.Logger
	Runner backend.Runner

	// BinPath overrides the mysqlsh binary location.
	BinPath string
}

var _ Admin = (*MysqlShell)(nil)

func NewMysqlShell(opts MysqlShellOptions) *MysqlShell {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = backend.NewExecRunner()
	}
	if opts.BinPath == "" {
		opts.BinPath = "mysqlsh"
	}

	return &MysqlShell{
		logger:  opts.Logger,
		runner:  opts.Runner,
		binPath: opts.BinPath,
	}
}

func (m *MysqlShell) runJS(ctx context.Context, timeout time.Duration, uri, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return m.runner.Run(ctx, m.binPath, uri, "--js", "--no-wizard", "-e", script)
}

// alreadyDone checks command output for the responses mysqlsh gives
// when an operation was performed previously. Those count as success.
func alreadyDone(err error, markers ...string) bool {
	var cmdErr *backend.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}

	out := strings.ToLower(cmdErr.Stderr)
	for _, marker := range markers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

func (m *MysqlShell) ConfigureInstance(ctx context.Context, target Endpoint) error {
	script := fmt.Sprintf("dba.configureInstance('%s');", target.URI())

	_, err := m.runJS(ctx, configureTimeout, target.URI(), script)
	if err != nil {
		if alreadyDone(err, "already configured", "already been configured", "is valid for innodb cluster usage") {
			m.logger.Debug("instance already configured", zap.String("host", target.Host))
			return nil
		}
		return err
	}
	return nil
}

func (m *MysqlShell) CreateGroup(ctx context.Context, primary Endpoint, groupName, localAddress string) error {
	script := fmt.Sprintf(
		"dba.createCluster('%s', {localAddress: '%s'});",
		groupName, localAddress)

	_, err := m.runJS(ctx, configureTimeout, primary.URI(), script)
	if err != nil {
		if alreadyDone(err, "already exists", "already initialized", "already a member") {
			m.logger.Debug("replication group already exists", zap.String("group", groupName))
			return nil
		}
		return err
	}
	return nil
}

func (m *MysqlShell) AddMember(ctx context.Context, primary, target Endpoint, groupName, localAddress string) error {
	script := fmt.Sprintf(
		"var c = dba.getCluster('%s'); c.addInstance('%s', {recoveryMethod: 'clone', localAddress: '%s'});",
		groupName, target.URI(), localAddress)

	_, err := m.runJS(ctx, joinTimeout, primary.URI(), script)
	if err != nil {
		if alreadyDone(err, "already a member", "is already part") {
			m.logger.Debug("instance already a group member", zap.String("host", target.Host))
			return nil
		}
		return err
	}
	return nil
}

func (m *MysqlShell) RemoveMember(ctx context.Context, primary, target Endpoint, groupName string) error {
	script := fmt.Sprintf(
		"var c = dba.getCluster('%s'); c.removeInstance('%s', {force: true});",
		groupName, target.URI())

	_, err := m.runJS(ctx, removeTimeout, primary.URI(), script)
	if err != nil {
		if alreadyDone(err, "does not belong", "is not a member", "not found") {
			m.logger.Debug("instance already out of the group", zap.String("host", target.Host))
			return nil
		}
		return err
	}
	return nil
}

// shellStatus mirrors the slice of cluster.status() output we need.
type shellStatus struct {
	ClusterName       string `json:"clusterName"`
	DefaultReplicaSet struct {
		Topology map[string]struct {
			Status     string `json:"status"`
			MemberRole string `json:"memberRole"`
		} `json:"topology"`
	} `json:"defaultReplicaSet"`
}

func (m *MysqlShell) GroupStatus(ctx context.Context, primary Endpoint, groupName string) (*GroupStatus, error) {
	script := fmt.Sprintf(
		"var c = dba.getCluster('%s'); print(JSON.stringify(c.status()));",
		groupName)

	out, err := m.runJS(ctx, statusTimeout, primary.URI(), script)
	if err != nil {
		return nil, err
	}

	// mysqlsh can emit warnings before the JSON payload
	idx := strings.Index(out, "{")
	if idx < 0 {
		return nil, errors.Errorf("no status payload in mysqlsh output: %q", out)
	}

	var raw shellStatus
	if err := json.Unmarshal([]byte(out[idx:]), &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse group status")
	}

	status := &GroupStatus{
		Name:    raw.ClusterName,
		Members: make(map[string]MemberState),
	}
	for addr, member := range raw.DefaultReplicaSet.Topology {
		status.Members[addr] = MemberState{
			State: member.Status,
			Role:  member.MemberRole,
		}
	}
	return status, nil
}

func (m *MysqlShell) Exec(ctx context.Context, target Endpoint, statement string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	return m.runner.Run(ctx, m.binPath, target.URI(), "--sql", "--no-wizard", "-e", statement)
}
