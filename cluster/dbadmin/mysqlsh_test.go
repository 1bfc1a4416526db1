package dbadmin

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
)

type scriptedRunner struct {
	calls []string
	out   string
	err   error
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return r.out, r.err
}

func newShell(runner backend.Runner) *MysqlShell {
	return NewMysqlShell(MysqlShellOptions{
		Logger: zap.NewNop(),
		Runner: runner,
	})
}

var testEndpoint = Endpoint{Host: "127.0.0.1", Port: 3306, Password: "pw"}

func TestConfigureInstanceAlreadyConfigured(t *testing.T) {
	runner := &scriptedRunner{
		err: &backend.CommandError{
			ExitCode: 1,
			Stderr:   "Dba.configureInstance: The instance is already configured for InnoDB Cluster usage.",
		},
	}

	if err := newShell(runner).ConfigureInstance(context.Background(), testEndpoint); err != nil {
		t.Fatalf("already-configured must be success: %v", err)
	}
}

func TestCreateGroupAlreadyExists(t *testing.T) {
	runner := &scriptedRunner{
		err: &backend.CommandError{
			ExitCode: 1,
			Stderr:   "Dba.createCluster: Cluster with name 'testcluster' already exists.",
		},
	}

	if err := newShell(runner).CreateGroup(context.Background(), testEndpoint, "testcluster", "host1:3306"); err != nil {
		t.Fatalf("existing group must be success: %v", err)
	}
}

func TestAddMemberAlreadyMember(t *testing.T) {
	runner := &scriptedRunner{
		err: &backend.CommandError{
			ExitCode: 1,
			Stderr:   "Cluster.addInstance: The instance is already a member of the cluster.",
		},
	}

	target := Endpoint{Host: "127.0.0.1", Port: 33062, Password: "pw"}
	if err := newShell(runner).AddMember(context.Background(), testEndpoint, target, "testcluster", "mysql-node-2:3306"); err != nil {
		t.Fatalf("already-member must be success: %v", err)
	}
}

func TestAddMemberRealFailurePropagates(t *testing.T) {
	runner := &scriptedRunner{
		err: &backend.CommandError{
			ExitCode: 1,
			Stderr:   "Cluster.addInstance: Group Replication failed to start.",
		},
	}

	target := Endpoint{Host: "127.0.0.1", Port: 33062, Password: "pw"}
	err := newShell(runner).AddMember(context.Background(), testEndpoint, target, "testcluster", "mysql-node-2:3306")
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRemoveMemberNotAMember(t *testing.T) {
	runner := &scriptedRunner{
		err: &backend.CommandError{
			ExitCode: 1,
			Stderr:   "Cluster.removeInstance: The instance does not belong to the cluster.",
		},
	}

	target := Endpoint{Host: "127.0.0.1", Port: 33062, Password: "pw"}
	if err := newShell(runner).RemoveMember(context.Background(), testEndpoint, target, "testcluster"); err != nil {
		t.Fatalf("already-removed must be success: %v", err)
	}
}

func TestGroupStatusParsesPayloadAfterWarnings(t *testing.T) {
	runner := &scriptedRunner{
		out: `WARNING: Using a password on the command line interface can be insecure.
{"clusterName":"testcluster","defaultReplicaSet":{"topology":{
  "host1:3306":{"status":"ONLINE","memberRole":"PRIMARY"},
  "mysql-node-2:3306":{"status":"ONLINE","memberRole":"SECONDARY"},
  "mysql-node-3:3306":{"status":"RECOVERING","memberRole":"SECONDARY"}
}}}`,
	}

	status, err := newShell(runner).GroupStatus(context.Background(), testEndpoint, "testcluster")
	if err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}

	if status.Name != "testcluster" {
		t.Fatalf("unexpected group name %s", status.Name)
	}
	if !status.Online("host1:3306") {
		t.Fatalf("primary should be online")
	}
	if !status.Online("mysql-node-2:3306") {
		t.Fatalf("node 2 should be online")
	}
	if status.Online("mysql-node-3:3306") {
		t.Fatalf("a RECOVERING member is not online")
	}
	if status.Online("mysql-node-9:3306") {
		t.Fatalf("unknown member reported online")
	}
}

func TestGroupStatusNoPayload(t *testing.T) {
	runner := &scriptedRunner{out: "nothing useful here"}

	if _, err := newShell(runner).GroupStatus(context.Background(), testEndpoint, "testcluster"); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestEndpointURI(t *testing.T) {
	uri := testEndpoint.URI()
	if uri != "root:pw@127.0.0.1:3306" {
		t.Fatalf("unexpected uri %s", uri)
	}
}
