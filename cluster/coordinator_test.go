package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/dbadmin"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// recorder is a shared ordered log of everything the fakes did.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) indexOf(event string) int {
	for i, e := range r.log() {
		if e == event {
			return i
		}
	}
	return -1
}

// fakeNodeBackend is a recording in-memory node.
type fakeNodeBackend struct {
	nodeID   int
	rec      *recorder
	running  bool
	startErr error
}

func (b *fakeNodeBackend) Start(ctx context.Context) error {
	b.rec.add("start %d", b.nodeID)
	if b.startErr != nil {
		return b.startErr
	}
	b.running = true
	return nil
}

func (b *fakeNodeBackend) Stop(ctx context.Context) error {
	b.rec.add("stop %d", b.nodeID)
	b.running = false
	return nil
}

func (b *fakeNodeBackend) Status(ctx context.Context) (backend.Status, error) {
	return backend.Status{Running: b.running, Host: "127.0.0.1", Port: 3306}, nil
}

func (b *fakeNodeBackend) Exec(ctx context.Context, statement string) (string, error) {
	if !b.running {
		return "", errors.Wrap(backend.ErrUnreachable, "node down")
	}
	return "1", nil
}

func (b *fakeNodeBackend) CopyFile(ctx context.Context, localPath, remotePath string) error {
	return nil
}

func (b *fakeNodeBackend) Destroy(ctx context.Context) error {
	b.rec.add("destroy %d", b.nodeID)
	return nil
}

// fakeGroupAdmin is an in-memory replication group.
type fakeGroupAdmin struct {
	rec *recorder

	mu      sync.Mutex
	online  map[string]bool
	addErr  map[string]error
	remErr  map[string]error
	created string
}

func newFakeGroupAdmin(rec *recorder) *fakeGroupAdmin {
	return &fakeGroupAdmin{
		rec:    rec,
		online: make(map[string]bool),
		addErr: make(map[string]error),
		remErr: make(map[string]error),
	}
}

func (a *fakeGroupAdmin) ConfigureInstance(ctx context.Context, target dbadmin.Endpoint) error {
	return nil
}

func (a *fakeGroupAdmin) CreateGroup(ctx context.Context, primary dbadmin.Endpoint, groupName, localAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = groupName
	a.online[localAddress] = true
	a.rec.add("create-group %s", localAddress)
	return nil
}

func (a *fakeGroupAdmin) AddMember(ctx context.Context, primary, target dbadmin.Endpoint, groupName, localAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.addErr[localAddress]; err != nil {
		return err
	}
	a.online[localAddress] = true
	a.rec.add("join %s", localAddress)
	return nil
}

func (a *fakeGroupAdmin) RemoveMember(ctx context.Context, primary, target dbadmin.Endpoint, groupName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := target.Host
	if err := a.remErr[addr]; err != nil {
		return err
	}
	a.rec.add("leave %s", addr)
	return nil
}

func (a *fakeGroupAdmin) GroupStatus(ctx context.Context, primary dbadmin.Endpoint, groupName string) (*dbadmin.GroupStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := &dbadmin.GroupStatus{
		Name:    groupName,
		Members: make(map[string]dbadmin.MemberState),
	}
	for addr, online := range a.online {
		if online {
			status.Members[addr] = dbadmin.MemberState{State: "ONLINE"}
		}
	}
	return status, nil
}

func (a *fakeGroupAdmin) Exec(ctx context.Context, target dbadmin.Endpoint, statement string) (string, error) {
	return "", nil
}

type testHarness struct {
	coord    *Coordinator
	admin    *fakeGroupAdmin
	rec      *recorder
	backends map[int]*fakeNodeBackend
	mu       sync.Mutex
}

func (h *testHarness) backend(nodeID int) *fakeNodeBackend {
	h.mu.Lock()
	defer h.mu.Unlock()

	be, ok := h.backends[nodeID]
	if !ok {
		be = &fakeNodeBackend{nodeID: nodeID, rec: h.rec}
		h.backends[nodeID] = be
	}
	return be
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	rec := &recorder{}
	h := &testHarness{
		rec:      rec,
		admin:    newFakeGroupAdmin(rec),
		backends: make(map[int]*fakeNodeBackend),
	}

	baseDir := t.TempDir()
	h.coord = NewCoordinator(CoordinatorOptions{
		Logger: zap.NewNop(),
		Store:  topology.NewStore(filepath.Join(baseDir, "cluster-topology.json")),
		Admin:  h.admin,
		Backends: func(spec *topology.NodeSpec) (backend.NodeBackend, error) {
			return h.backend(spec.NodeID), nil
		},
		BaseDir: baseDir,
	})

	return h
}

func (h *testHarness) createAndStart(t *testing.T, secondaries int) *StartReport {
	t.Helper()

	_, err := h.coord.Create(CreateOptions{SecondaryCount: secondaries})
	require.NoError(t, err)

	report, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	return report
}

func TestStartBringsUpWholeCluster(t *testing.T) {
	h := newTestHarness(t)

	report := h.createAndStart(t, 3)

	assert.False(t, report.Partial())
	assert.Equal(t, topology.StateJoined, report.Primary.State)
	require.Len(t, report.Secondaries, 3)
	for _, sec := range report.Secondaries {
		assert.Equal(t, topology.StateJoined, sec.State)
		assert.Empty(t, sec.Error)
	}

	// the joined state must be persisted
	topo, err := h.coord.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, topology.StateJoined, topo.Primary.State)
	for i := range topo.Secondaries {
		assert.Equal(t, topology.StateJoined, topo.Secondaries[i].State)
	}
}

func TestStartOrdersPrimaryFirstThenSerialJoins(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	log := h.rec.log()

	groupIdx := h.rec.indexOf("create-group host1:3306")
	require.GreaterOrEqual(t, groupIdx, 0, "group never created: %v", log)

	// no secondary may start before the group exists
	for i, event := range log[:groupIdx] {
		if strings.HasPrefix(event, "start ") {
			assert.Equal(t, "start 1", event, "event %d out of order: %v", i, log)
		}
	}

	// each secondary joins before the next one starts
	join2 := h.rec.indexOf("join mysql-node-2:3306")
	start3 := h.rec.indexOf("start 3")
	require.GreaterOrEqual(t, join2, 0, "node 2 never joined: %v", log)
	require.GreaterOrEqual(t, start3, 0, "node 3 never started: %v", log)
	assert.Less(t, join2, start3, "node 3 started before node 2 joined: %v", log)
}

func TestStartPrimaryFailureIsFatal(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.coord.Create(CreateOptions{SecondaryCount: 2})
	require.NoError(t, err)

	h.backend(1).startErr = &backend.CommandError{ExitCode: 1, Stderr: "unit not found"}

	_, err = h.coord.Start(context.Background())
	require.Error(t, err)

	// no secondary may have been touched
	for _, event := range h.rec.log() {
		assert.NotEqual(t, "start 2", event)
		assert.NotEqual(t, "start 3", event)
	}
}

func TestStartIsolatesSecondaryFailures(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.coord.Create(CreateOptions{SecondaryCount: 3})
	require.NoError(t, err)

	h.admin.addErr["mysql-node-3:3306"] = &backend.CommandError{
		ExitCode: 1, Stderr: "Group Replication failed to start",
	}

	report, err := h.coord.Start(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Partial())
	unjoined := report.Unjoined()
	require.Len(t, unjoined, 1)
	assert.Equal(t, 3, unjoined[0].NodeID)
	assert.NotEmpty(t, unjoined[0].Error)

	// the later secondary still joined
	assert.Equal(t, topology.StateJoined, report.Secondaries[2].State)

	// the failure is persisted on the node
	topo, err := h.coord.Store().Load()
	require.NoError(t, err)
	failed := topo.Secondary(3)
	require.NotNil(t, failed)
	assert.NotEmpty(t, failed.LastError)
	assert.NotEqual(t, topology.StateJoined, failed.State)
}

func TestStartResumesWithoutRejoining(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	joinsBefore := 0
	for _, event := range h.rec.log() {
		if strings.HasPrefix(event, "join ") {
			joinsBefore++
		}
	}
	require.Equal(t, 2, joinsBefore)

	// a second start restarts nodes but must not re-add members
	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)

	joinsAfter := 0
	for _, event := range h.rec.log() {
		if strings.HasPrefix(event, "join ") {
			joinsAfter++
		}
	}
	assert.Equal(t, joinsBefore, joinsAfter)
}

func TestStopShutsDownSecondariesFirst(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	require.NoError(t, h.coord.Stop(context.Background()))

	stop1 := h.rec.indexOf("stop 1")
	stop2 := h.rec.indexOf("stop 2")
	stop3 := h.rec.indexOf("stop 3")
	require.GreaterOrEqual(t, stop1, 0)
	assert.Less(t, stop2, stop1, "primary stopped before secondary 2")
	assert.Less(t, stop3, stop1, "primary stopped before secondary 3")
}

func TestScaleUpJoinsNewNodes(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 1)

	report, err := h.coord.Scale(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 1, report.PreviousCount)
	assert.Equal(t, 3, report.TargetCount)
	require.Len(t, report.Added, 2)
	assert.False(t, report.Partial())

	topo, err := h.coord.Store().Load()
	require.NoError(t, err)
	require.Len(t, topo.Secondaries, 3)
	for i := range topo.Secondaries {
		assert.Equal(t, topology.StateJoined, topo.Secondaries[i].State)
	}
}

func TestScaleDownRemovesNewestFirst(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 3)

	report, err := h.coord.Scale(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, report.Removed, 2)
	assert.Equal(t, 4, report.Removed[0].NodeID)
	assert.Equal(t, 3, report.Removed[1].NodeID)

	topo, err := h.coord.Store().Load()
	require.NoError(t, err)
	require.Len(t, topo.Secondaries, 1)
	assert.Equal(t, 2, topo.Secondaries[0].NodeID)
}

func TestScaleDownLeavesBeforeStopping(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	_, err := h.coord.Scale(context.Background(), 1)
	require.NoError(t, err)

	leave := h.rec.indexOf("leave 127.0.0.1")
	stop := h.rec.indexOf("stop 3")
	destroy := h.rec.indexOf("destroy 3")
	require.GreaterOrEqual(t, leave, 0, "node never left the group: %v", h.rec.log())
	require.GreaterOrEqual(t, stop, 0)
	require.GreaterOrEqual(t, destroy, 0)
	assert.Less(t, leave, stop, "node stopped before leaving the group")
	assert.Less(t, stop, destroy)
}

func TestScaleDownLeaveFailureKeepsNode(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	h.admin.remErr["127.0.0.1"] = &backend.CommandError{
		ExitCode: 1, Stderr: "timeout reaching group",
	}

	report, err := h.coord.Scale(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaveFailed))

	require.Len(t, report.Removed, 1)
	assert.NotEmpty(t, report.Removed[0].Error)

	// the node keeps its backend and stays in the topology
	for _, event := range h.rec.log() {
		assert.NotEqual(t, "destroy 3", event)
	}
	topo, loadErr := h.coord.Store().Load()
	require.NoError(t, loadErr)
	assert.Len(t, topo.Secondaries, 2)
}

func TestRemoveSecondaryRejectsPrimary(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 1)

	_, err := h.coord.RemoveSecondary(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOperation))
}

func TestRemoveSecondaryUnknownNode(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 1)

	_, err := h.coord.RemoveSecondary(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOperation))
}

func TestScaleRequiresBootstrappedPrimary(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.coord.Create(CreateOptions{SecondaryCount: 1})
	require.NoError(t, err)

	_, err = h.coord.Scale(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOperation))
}

func TestCreateRejectsExistingTopology(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.coord.Create(CreateOptions{SecondaryCount: 1})
	require.NoError(t, err)

	_, err = h.coord.Create(CreateOptions{SecondaryCount: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOperation))
}

func TestStatusReportsEveryNode(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	// knock one node over
	h.backend(3).running = false

	status, err := h.coord.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, status.Primary.Running)
	assert.True(t, status.Primary.Reachable)
	require.Len(t, status.Secondaries, 2)
	assert.Equal(t, 2, status.RunningCount())

	var down *NodeStatus
	for i := range status.Secondaries {
		if status.Secondaries[i].NodeID == 3 {
			down = &status.Secondaries[i]
		}
	}
	require.NotNil(t, down)
	assert.False(t, down.Running)
	assert.False(t, down.Reachable)
}

func TestStatusIsReadOnly(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 1)

	before, err := h.coord.Store().Load()
	require.NoError(t, err)

	eventsBefore := len(h.rec.log())
	_, err = h.coord.Status(context.Background())
	require.NoError(t, err)

	// no start/stop/join/leave may have happened
	for _, event := range h.rec.log()[eventsBefore:] {
		assert.False(t, strings.HasPrefix(event, "start "), "status started a node")
		assert.False(t, strings.HasPrefix(event, "stop "), "status stopped a node")
	}

	after, err := h.coord.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCleanupDestroysEverythingAndRemovesTopology(t *testing.T) {
	h := newTestHarness(t)
	h.createAndStart(t, 2)

	require.NoError(t, h.coord.Cleanup(context.Background()))

	for _, nodeID := range []string{"1", "2", "3"} {
		assert.GreaterOrEqual(t, h.rec.indexOf("destroy "+nodeID), 0, "node %s not destroyed", nodeID)
	}
	assert.False(t, h.coord.Store().Exists())

	// cleanup with no topology is a no-op
	require.NoError(t, h.coord.Cleanup(context.Background()))
}
