package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/coord/memtree"
	"github.com/ryandielhenn/babysitter/pkg/membership"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

type cluster struct {
	tree  *memtree.Tree
	agent *memtree.Session
}

func newCluster(t *testing.T) *cluster {
	tree, agent := newTree(t)
	return &cluster{tree: tree, agent: agent}
}

func (c *cluster) join(t *testing.T, s model.Server) {
	t.Helper()
	data, err := model.EncodeServer(s)
	require.NoError(t, err)
	_, err = c.agent.Create(context.Background(), monitorBase+"/"+s.Name(), data, coord.Ephemeral)
	require.NoError(t, err)
}

func (c *cluster) leave(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, c.agent.Delete(context.Background(), monitorBase+"/"+name, coord.AnyVersion))
}

type trackerSetup struct {
	tracker *membership.Tracker
	arbiter *membership.Arbiter
	session *memtree.Session
}

func (c *cluster) tracker(t *testing.T, id string, rec *recorder, delay time.Duration) trackerSetup {
	t.Helper()
	sess := c.tree.Session()
	a := newTestArbiter(t, sess, rec, id)
	tr, err := membership.NewTracker(sess, rec, a, membership.TrackerConfig{
		Paths:          paths,
		RestartInitial: time.Millisecond,
		RestartMax:     10 * time.Millisecond,
	}, zap.NewNop(), membership.WithDelay(func() time.Duration { return delay }))
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return trackerSetup{tracker: tr, arbiter: a, session: sess}
}

// run starts the tracker and follows its watch until the test ends.
func run(t *testing.T, tr *membership.Tracker) {
	t.Helper()
	require.NoError(t, tr.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTrackerStartRegistersMembers(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	c.join(t, server("b"))
	// stale marker from an earlier eviction of a
	_, err := c.agent.Create(context.Background(), alertsBase+"/a", nil, coord.Persistent)
	require.NoError(t, err)

	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	require.NoError(t, ts.tracker.Start(context.Background()))

	assert.Equal(t, []string{"a", "b"}, rec.names())
	eventually(t, func() bool { return !c.tree.Has(alertsBase + "/a") }, "stale marker must be cleared")
}

func TestTrackerStartCreatesSubtrees(t *testing.T) {
	tree := memtree.New()
	rec := newRecorder()
	sess := tree.Session()
	a := newTestArbiter(t, sess, rec, "i1")
	tr, err := membership.NewTracker(sess, rec, a, membership.TrackerConfig{Paths: paths}, nil)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tree.Has(monitorBase))
	assert.True(t, tree.Has(alertsBase))
	assert.Empty(t, rec.names())
}

func TestTrackerSilencesEviction(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	c.join(t, server("b"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	run(t, ts.tracker)

	c.leave(t, "a")
	eventually(t, func() bool { return len(rec.evictions()) == 1 }, "eviction must be alerted")
	assert.Equal(t, []string{"a"}, rec.evictions())
	assert.Equal(t, []string{"b"}, rec.names())
	assert.True(t, c.tree.Has(alertsBase+"/a"))

	// coming back clears the marker and registers again
	c.join(t, server("a"))
	eventually(t, func() bool { return len(rec.names()) == 2 }, "a must be registered again")
	eventually(t, func() bool { return !c.tree.Has(alertsBase + "/a") }, "marker must be cleared")
}

func TestTrackerEvictsExpiredAgentSession(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	run(t, ts.tracker)

	c.tree.Expire(c.agent)
	eventually(t, func() bool { return len(rec.evictions()) == 1 }, "eviction must be alerted")
}

func TestTrackerReturnCancelsPendingSilence(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, time.Hour)
	run(t, ts.tracker)

	pending := testutil.ToFloat64(telemetry.PendingSilences)
	c.leave(t, "a")
	eventually(t, func() bool {
		return len(ts.tracker.Pending()) == 1 && testutil.ToFloat64(telemetry.PendingSilences) == pending+1
	}, "silence must be pending")

	c.join(t, server("a"))
	eventually(t, func() bool {
		return len(ts.tracker.Pending()) == 0 && testutil.ToFloat64(telemetry.PendingSilences) == pending
	}, "return must cancel the silence")
	assert.Empty(t, rec.evictions())
	assert.Equal(t, []string{"a"}, rec.names())
}

func TestTrackerRemovalNotScheduledTwice(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	c.join(t, server("b"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, time.Hour)
	run(t, ts.tracker)

	c.leave(t, "a")
	eventually(t, func() bool { return len(ts.tracker.Pending()) == 1 }, "silence must be pending")
	// another change while a is still pending
	c.leave(t, "b")
	eventually(t, func() bool { return len(ts.tracker.Pending()) == 2 }, "b must be pending")
	assert.ElementsMatch(t, []string{"a", "b"}, ts.tracker.Pending())
}

func TestTrackerInstancesAgreeOnOwner(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for i, rec := range recs {
		ts := c.tracker(t, "i"+string(rune('1'+i)), rec, 0)
		run(t, ts.tracker)
	}

	c.leave(t, "a")
	eventually(t, func() bool {
		for _, r := range recs {
			if len(r.names()) != 0 {
				return false
			}
		}
		return true
	}, "every mirror must drop a")

	evictions := 0
	for _, r := range recs {
		evictions += len(r.evictions())
	}
	assert.Equal(t, 1, evictions)
}

func TestTrackerForwardsUpdates(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	run(t, ts.tracker)

	for _, desc := range []string{"beat 1", "beat 2"} {
		s := server("a")
		s.Description = desc
		data, err := model.EncodeServer(s)
		require.NoError(t, err)
		_, err = c.agent.Set(context.Background(), monitorBase+"/a", data, coord.AnyVersion)
		require.NoError(t, err)

		eventually(t, func() bool {
			u, ok := rec.lastUpdate()
			return ok && u.Description == desc
		}, "update must reach the listener")
	}
}

func TestTrackerSkipsUndecodableMembers(t *testing.T) {
	c := newCluster(t)
	_, err := c.agent.Create(context.Background(), monitorBase+"/garbled", []byte("not a record"), coord.Ephemeral)
	require.NoError(t, err)
	c.join(t, server("ok"))

	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	require.NoError(t, ts.tracker.Start(context.Background()))
	assert.Equal(t, []string{"ok"}, rec.names())

	_, err = ts.tracker.ServerInfo(context.Background(), "garbled")
	assert.Error(t, err)
	s, err := ts.tracker.ServerInfo(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok test server", s.Description)
}

func TestTrackerRestartsWatchAfterFailedRead(t *testing.T) {
	c := newCluster(t)
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	run(t, ts.tracker)

	restarts := testutil.ToFloat64(telemetry.WatchRestarts)
	c.tree.InjectFault(memtree.Fault{Op: memtree.OpChildren, Path: monitorBase, Err: coord.ErrConnectionLoss, Times: 2})
	c.join(t, server("a"))

	eventually(t, func() bool { return len(rec.names()) == 1 }, "resync must pick up a")
	assert.GreaterOrEqual(t, testutil.ToFloat64(telemetry.WatchRestarts), restarts+2)
}

func TestTrackerRunEndsWithSession(t *testing.T) {
	c := newCluster(t)
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	require.NoError(t, ts.tracker.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- ts.tracker.Run(context.Background()) }()
	c.tree.Expire(ts.session)

	select {
	case err := <-done:
		require.ErrorIs(t, err, coord.ErrSessionExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after session expiry")
	}
}

func TestTrackerPlannedDeregister(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	rec := newRecorder()
	ts := c.tracker(t, "i1", rec, 0)
	run(t, ts.tracker)

	st := ts.tracker.Deregister(context.Background(), "a")
	require.True(t, st.IsOK(), st.String())
	assert.False(t, c.tree.Has(monitorBase+"/a"))

	eventually(t, func() bool { return len(rec.forgets()) == 1 }, "planned removal must be forgotten")
	assert.Empty(t, rec.evictions())

	markers, err := ts.arbiter.Markers(context.Background())
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Planned)

	st = ts.tracker.Deregister(context.Background(), "nope")
	assert.False(t, st.IsOK())
	assert.Equal(t, "server nope does not exist", st.Message)
}

func TestTrackerEvictionDuringRetryAlertsOnce(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	c.join(t, server("b0"))
	rec := newRecorder()
	sess := c.tree.Session()
	a, err := membership.NewArbiter(sess, rec, membership.ArbiterConfig{
		Paths:        paths,
		InstanceID:   "i1",
		RetryInitial: 200 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	tr, err := membership.NewTracker(sess, rec, a, membership.TrackerConfig{Paths: paths}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	run(t, tr)

	c.tree.InjectFault(memtree.Fault{
		Op:      memtree.OpCreate,
		Path:    alertsBase + "/a",
		Err:     coord.ErrConnectionLoss,
		Applied: true,
	})
	c.leave(t, "a")
	time.Sleep(50 * time.Millisecond)
	// an unrelated change while the marker create backs off sees a gone again
	c.join(t, server("b"))

	eventually(t, func() bool { return len(rec.evictions()) == 1 }, "eviction must be alerted")
	assert.Equal(t, []string{"a"}, rec.evictions())
	assert.Empty(t, rec.forgets())
	eventually(t, func() bool { return len(rec.names()) == 2 }, "b must register")
	assert.Equal(t, []string{"b", "b0"}, rec.names())
	assert.True(t, c.tree.Has(alertsBase+"/a"))
}

func TestTrackerSilencesWhenRecheckFails(t *testing.T) {
	c := newCluster(t)
	c.join(t, server("a"))
	rec := newRecorder()
	core, logs := observer.New(zapcore.WarnLevel)
	sess := c.tree.Session()
	a := newTestArbiter(t, sess, rec, "i1")
	tr, err := membership.NewTracker(sess, rec, a, membership.TrackerConfig{Paths: paths}, zap.New(core),
		membership.WithDelay(func() time.Duration { return 20 * time.Millisecond }))
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	run(t, tr)

	c.tree.InjectFault(memtree.Fault{Op: memtree.OpExists, Path: monitorBase + "/a", Err: coord.ErrConnectionLoss})
	c.leave(t, "a")

	eventually(t, func() bool { return len(rec.evictions()) == 1 }, "eviction must still be alerted")
	entries := logs.FilterMessage("member re-check failed, silencing anyway").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["server"])
}
