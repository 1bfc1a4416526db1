package backend

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// fakeRunner records every command and replies from a canned script
// keyed by the command's leading words.
type fakeRunner struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (r *fakeRunner) respond(prefix, out string, err error) {
	r.responses[prefix] = fakeResponse{out: out, err: err}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, cmdline)

	for prefix, resp := range r.responses {
		if strings.HasPrefix(cmdline, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func (r *fakeRunner) calledWith(prefix string) bool {
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func dockerSpec() *topology.NodeSpec {
	return &topology.NodeSpec{
		NodeID:      2,
		Hostname:    "mysql-node-2",
		Kind:        topology.BackendDocker,
		Host:        "127.0.0.1",
		Port:        33062,
		ContainerIP: "172.20.0.12",
		State:       topology.StateProvisioned,
	}
}

func dockerTestBackend(runner Runner) NodeBackend {
	be, _ := New(dockerSpec(), Options{
		Logger:        zap.NewNop(),
		Runner:        runner,
		RootPassword:  "pw",
		Image:         "mysql/mysql-server:8.0.43",
		DockerNetwork: "mysql-cluster-net",
	})
	return be
}

func TestDockerStartCreatesContainer(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("docker container inspect", "", &CommandError{ExitCode: 1, Stderr: "no such container"})

	be := dockerTestBackend(runner)
	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !runner.calledWith("docker run -d --name mysql-node-2") {
		t.Fatalf("expected docker run, calls: %v", runner.calls)
	}

	last := runner.calls[len(runner.calls)-1]
	for _, want := range []string{
		"-p 33062:3306",
		"--network mysql-cluster-net",
		"--ip 172.20.0.12",
		"--server-id=2",
		"mysql/mysql-server:8.0.43",
	} {
		if !strings.Contains(last, want) {
			t.Fatalf("docker run missing %q: %s", want, last)
		}
	}
}

func TestDockerStartReusesExistingContainer(t *testing.T) {
	runner := newFakeRunner()

	be := dockerTestBackend(runner)
	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !runner.calledWith("docker start mysql-node-2") {
		t.Fatalf("expected docker start, calls: %v", runner.calls)
	}
	if runner.calledWith("docker run") {
		t.Fatalf("must not recreate an existing container, calls: %v", runner.calls)
	}
}

func TestDockerStatusMissingContainer(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("docker inspect", "", &CommandError{ExitCode: 1, Stderr: "no such container"})

	be := dockerTestBackend(runner)
	status, err := be.Status(context.Background())
	if err != nil {
		t.Fatalf("a missing container is not an error: %v", err)
	}
	if status.Running {
		t.Fatalf("missing container reported running")
	}
}

func TestDockerStatusRunning(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("docker inspect", "true\n", nil)

	be := dockerTestBackend(runner)
	status, err := be.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Running {
		t.Fatalf("expected running")
	}
	if status.Port != 33062 {
		t.Fatalf("unexpected port %d", status.Port)
	}
}

func TestDockerDestroyMissingContainer(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("docker container inspect", "", &CommandError{ExitCode: 1, Stderr: "no such container"})

	be := dockerTestBackend(runner)
	if err := be.Destroy(context.Background()); err != nil {
		t.Fatalf("destroying a missing container must be a no-op: %v", err)
	}
	if runner.calledWith("docker rm") {
		t.Fatalf("unexpected docker rm, calls: %v", runner.calls)
	}
}

func TestEnsureDockerNetworkAlreadyExists(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("docker network inspect", "", &CommandError{ExitCode: 1, Stderr: "not found"})
	runner.respond("docker network create", "",
		&CommandError{ExitCode: 1, Stderr: "network with name mysql-cluster-net already exists"})

	err := EnsureDockerNetwork(context.Background(), runner, "mysql-cluster-net", "172.20.0.0/16")
	if err != nil {
		t.Fatalf("existing network must not be an error: %v", err)
	}
}

func localSpec(kind topology.BackendKind) *topology.NodeSpec {
	return &topology.NodeSpec{
		NodeID:   1,
		Hostname: "host1",
		Kind:     kind,
		Host:     "127.0.0.1",
		Port:     3306,
		State:    topology.StateProvisioned,
	}
}

func TestLocalSystemctlStart(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("systemctl list-unit-files", "mysql.service enabled\n", nil)
	runner.respond("systemctl is-active", "inactive\n", &CommandError{ExitCode: 3})

	be, err := New(localSpec(topology.BackendLocalSystemctl), Options{
		Logger: zap.NewNop(),
		Runner: runner,
	})
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}

	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !runner.calledWith("sudo systemctl start mysql") {
		t.Fatalf("expected systemctl start, calls: %v", runner.calls)
	}
}

func TestLocalSystemctlStartSkipsWhenActive(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("systemctl list-unit-files", "mysql.service enabled\n", nil)
	runner.respond("systemctl is-active", "active\n", nil)

	be, err := New(localSpec(topology.BackendLocalSystemctl), Options{
		Logger: zap.NewNop(),
		Runner: runner,
	})
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}

	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if runner.calledWith("sudo systemctl start") {
		t.Fatalf("must not start an active service, calls: %v", runner.calls)
	}
}

func TestLocalBinaryStart(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("pgrep", "", &CommandError{ExitCode: 1})

	be, err := New(localSpec(topology.BackendLocalBinary), Options{
		Logger:     zap.NewNop(),
		Runner:     runner,
		ConfigFile: "/tmp/primary.cnf",
		DataDir:    "/tmp/data",
	})
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}

	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !runner.calledWith("mysqld --defaults-file=/tmp/primary.cnf --daemonize --datadir=/tmp/data") {
		t.Fatalf("unexpected mysqld invocation, calls: %v", runner.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	checkOne := func(err error, want bool) {
		if got := IsRetryable(err); got != want {
			t.Fatalf("unexpected IsRetryable(%v) = %t", err, got)
		}
	}

	checkOne(ErrUnreachable, true)
	checkOne(ErrTimeout, true)
	checkOne(&CommandError{ExitCode: 1, Stderr: "syntax error"}, false)
	checkOne(nil, false)
}
