package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ab-core/role"
)

func startNode(t *testing.T, id, clusterSize uint64, cb role.Callbacks, listenAddr string) *Node {
	t.Helper()
	n := New(id, clusterSize, cb)
	require.NoError(t, n.Listen(listenAddr))
	return n
}

// Two nodes converge on the lower (more authoritative) id becoming leader,
// exercised over real TCP loopback connections end to end
// (socket -> codec -> role). Node 1 is started first so it is already
// campaigning by the time node 2 comes up; node 2 then hears node 1's
// broadcasts well inside its own follower timeout and never campaigns at
// all, which keeps the expected outcome deterministic.
func TestTwoNodeClusterElectsLowerIDLeader(t *testing.T) {
	var mu sync.Mutex
	gained := make(map[uint64]bool)
	onGained := func(id uint64) func() {
		return func() {
			mu.Lock()
			gained[id] = true
			mu.Unlock()
		}
	}

	n1 := startNode(t, 1, 2, role.Callbacks{GainedLeadership: onGained(1)}, "127.0.0.1:18991")
	n2 := startNode(t, 2, 2, role.Callbacks{GainedLeadership: onGained(2)}, "127.0.0.1:18992")
	n1.ConnectToPeer("127.0.0.1:18992")
	n2.ConnectToPeer("127.0.0.1:18991")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = n1.Run(ctx) }()

	// Let node 1 time out its (empty) follower phase and start campaigning
	// before its only peer exists.
	time.Sleep(role.FollowerTimeout + role.RoundTimeout)
	go func() { defer wg.Done(); _ = n2.Run(ctx) }()

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gained[1]
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	require.True(t, gained[1], "lower-id node should have become leader")
	require.False(t, gained[2], "higher-id node should never become leader while node 1 is reachable")
	mu.Unlock()

	n1.Shutdown()
	n2.Shutdown()
	cancel()
	wg.Wait()
}

func TestSetKeyValidatesLength(t *testing.T) {
	n := New(1, 1, role.Callbacks{})
	require.Error(t, n.SetKey(make([]byte, 5)))
	require.NoError(t, n.SetKey(nil))
}

func TestSetCommittedRestoresRoundBeforeRun(t *testing.T) {
	n := New(1, 1, role.Callbacks{})
	n.SetCommitted(17)
	require.Equal(t, uint64(17), n.role.Round())
}
