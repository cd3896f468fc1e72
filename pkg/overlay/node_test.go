package overlay

import (
	"context"
	"sync"
	"testing"
	"time"

	"certmesh/pkg/keys"
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestNode(t *testing.T, network *MemoryNetwork, name string) *Node {
	t.Helper()

	id, err := keys.NewIdentity()
	require.NoError(t, err)
	info := types.NodeInfo{Node: id.NodeID(), FriendlyName: name}

	n := NewNode(info, id.Keys, network.Endpoint(info.Node.ID), zaptest.NewLogger(t))
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

// line builds a - b - c where a and c have no direct link.
func line(t *testing.T) (*MemoryNetwork, *Node, *Node, *Node) {
	network := NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	c := newTestNode(t, network, "c")
	network.Link(a.LocalNode().Node.ID, b.LocalNode().Node.ID)
	network.Link(b.LocalNode().Node.ID, c.LocalNode().Node.ID)
	return network, a, b, c
}

func testMessage(body string) []byte {
	w := wire.NewWriter("Test")
	w.String(body)
	return w.Bytes()
}

func TestSendDirect(t *testing.T) {
	_, a, b, _ := line(t)

	got := make(chan Message, 1)
	b.RegisterHandler("Test", func(ctx context.Context, msg Message) { got <- msg })

	require.True(t, a.IsConnected(b.LocalNode().Node))
	require.NoError(t, a.SendDirect(context.Background(), b.LocalNode(), testMessage("hi")))

	select {
	case msg := <-got:
		assert.Equal(t, "Test", msg.Tag)
		assert.False(t, msg.Relayed)
		assert.True(t, msg.From.Node.Equal(a.LocalNode().Node))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendRelayed(t *testing.T) {
	_, a, _, c := line(t)

	got := make(chan Message, 4)
	c.RegisterHandler("Test", func(ctx context.Context, msg Message) { got <- msg })

	require.False(t, a.IsConnected(c.LocalNode().Node))
	err := a.SendDirect(context.Background(), c.LocalNode(), testMessage("direct"))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, a.Send(context.Background(), c.LocalNode(), testMessage("relayed")))

	select {
	case msg := <-got:
		assert.True(t, msg.Relayed)
		assert.True(t, msg.From.Node.Equal(a.LocalNode().Node))
	case <-time.After(2 * time.Second):
		t.Fatal("relayed message not delivered")
	}

	select {
	case <-got:
		t.Fatal("relayed message delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueryReachesDistantResponder(t *testing.T) {
	_, a, _, c := line(t)

	c.RegisterQueryResponder(func(q Query) [][]byte {
		if q.Keyword == "color:blue" {
			return [][]byte{[]byte("sky")}
		}
		return nil
	})

	results := make(chan QueryResult, 1)
	id := uuid.New()
	cancel := a.Query("color:blue", id, func(res QueryResult) { results <- res })
	defer cancel()

	select {
	case res := <-results:
		assert.Equal(t, id, res.QueryID)
		assert.Equal(t, []byte("sky"), res.ExtraInfo)
		assert.True(t, res.Responder.Node.Equal(c.LocalNode().Node))
	case <-time.After(2 * time.Second):
		t.Fatal("query result not received")
	}
}

func TestFindService(t *testing.T) {
	_, a, _, c := line(t)

	service := types.NewServiceID()
	si := types.NewServiceInstance(service, c.LocalNode().Node)
	unpublish := c.PublishService(si)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	found, node, err := a.FindService(ctx, service)
	require.NoError(t, err)
	assert.True(t, si.Equal(found))
	assert.True(t, node.Node.Equal(c.LocalNode().Node))

	unpublish()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, _, err = a.FindService(ctx2, service)
	assert.ErrorIs(t, err, ErrNetworkTimeout)
}

func TestFindServiceLocal(t *testing.T) {
	network := NewMemoryNetwork()
	solo := newTestNode(t, network, "solo")

	service := types.NewServiceID()
	si := types.NewServiceInstance(service, solo.LocalNode().Node)
	solo.PublishService(si)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	found, node, err := solo.FindService(ctx, service)
	require.NoError(t, err)
	assert.True(t, si.Equal(found))
	assert.True(t, node.Node.Equal(solo.LocalNode().Node))
	assert.Zero(t, network.Delivered())
}

func TestFindNode(t *testing.T) {
	_, a, _, c := line(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := a.FindNode(ctx, c.LocalNode().Node)
	require.NoError(t, err)
	assert.Equal(t, "c", info.FriendlyName)

	self, err := a.FindNode(ctx, a.LocalNode().Node)
	require.NoError(t, err)
	assert.Equal(t, "a", self.FriendlyName)

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	_, err = a.FindNode(short, types.NewNodeID([]byte("nobody")))
	assert.ErrorIs(t, err, ErrNetworkTimeout)
}

func TestUnregisterHandler(t *testing.T) {
	_, a, b, _ := line(t)

	got := make(chan Message, 1)
	unregister := b.RegisterHandler("Test", func(ctx context.Context, msg Message) { got <- msg })
	unregister()

	require.NoError(t, a.SendDirect(context.Background(), b.LocalNode(), testMessage("ignored")))
	select {
	case <-got:
		t.Fatal("unregistered handler was called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRelayedWithoutPeers(t *testing.T) {
	network := NewMemoryNetwork()
	solo := newTestNode(t, network, "solo")
	other := types.NodeInfo{Node: types.NewNodeID([]byte("other"))}

	err := solo.Send(context.Background(), other, testMessage("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGRPCTransport(t *testing.T) {
	logger := zaptest.NewLogger(t)

	idA, err := keys.NewIdentity()
	require.NoError(t, err)
	idB, err := keys.NewIdentity()
	require.NoError(t, err)

	ta := NewGRPCTransport("127.0.0.1:0", logger)
	tb := NewGRPCTransport("127.0.0.1:0", logger)

	a := NewNode(types.NodeInfo{Node: idA.NodeID(), FriendlyName: "a"}, idA.Keys, ta, logger)
	b := NewNode(types.NodeInfo{Node: idB.NodeID(), FriendlyName: "b"}, idB.Keys, tb, logger)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	// b learns a's address from the first frame
	a.info.Address = ta.Addr().String()
	ta.AddPeer(idB.NodeUUID, tb.Addr().String())

	got := make(chan Message, 1)
	b.RegisterHandler("Test", func(ctx context.Context, msg Message) { got <- msg })
	replies := make(chan Message, 1)
	a.RegisterHandler("Test", func(ctx context.Context, msg Message) { replies <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SendDirect(ctx, b.LocalNode(), testMessage("ping")))

	select {
	case msg := <-got:
		assert.True(t, msg.From.Node.Equal(a.LocalNode().Node))
		require.NoError(t, b.SendDirect(ctx, msg.From, testMessage("pong")))
	case <-ctx.Done():
		t.Fatal("frame not delivered over gRPC")
	}

	select {
	case msg := <-replies:
		assert.True(t, msg.From.Node.Equal(b.LocalNode().Node))
	case <-ctx.Done():
		t.Fatal("reply not delivered over gRPC")
	}
}

func newNodeInfo(t *testing.T, address string) types.NodeInfo {
	t.Helper()
	id, err := keys.NewIdentity()
	require.NoError(t, err)
	return types.NodeInfo{Node: id.NodeID(), Address: address}
}

func TestReceiveDropsImpersonatedSender(t *testing.T) {
	network := NewMemoryNetwork()
	a := newTestNode(t, network, "a")

	got := make(chan Message, 1)
	a.RegisterHandler("Test", func(ctx context.Context, msg Message) { got <- msg })

	victim := newNodeInfo(t, "10.0.0.1:7400")
	intruder := newNodeInfo(t, "10.0.0.2:7400")
	data := frame{From: victim, Payload: testMessage("hi")}.marshal()

	a.receive(ContextWithPeer(context.Background(), intruder.Node.ID), data)
	select {
	case <-got:
		t.Fatal("frame with a forged sender was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
	for _, known := range a.KnownNodes() {
		assert.False(t, known.Node.Equal(victim.Node), "forged sender must not be learned")
	}

	a.receive(ContextWithPeer(context.Background(), victim.Node.ID), data)
	select {
	case msg := <-got:
		assert.True(t, msg.From.Node.Equal(victim.Node))
	case <-time.After(2 * time.Second):
		t.Fatal("authenticated frame not dispatched")
	}
}

// learningTransport records the peer addresses a node hands it.
type learningTransport struct {
	*MemoryTransport

	mu    sync.Mutex
	peers map[uuid.UUID]string
}

func (t *learningTransport) AddPeer(id uuid.UUID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = address
}

func (t *learningTransport) address(id uuid.UUID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id]
}

func TestSecondHandClaimsDoNotReplacePeers(t *testing.T) {
	network := NewMemoryNetwork()
	id, err := keys.NewIdentity()
	require.NoError(t, err)
	self := types.NodeInfo{Node: id.NodeID(), FriendlyName: "self"}

	tr := &learningTransport{MemoryTransport: network.Endpoint(self.Node.ID), peers: make(map[uuid.UUID]string)}
	n := NewNode(self, id.Keys, tr, zaptest.NewLogger(t))
	require.NoError(t, n.Start())
	defer n.Stop()

	peer := newNodeInfo(t, "10.0.0.1:7400")
	n.learn(peer, true)
	require.Equal(t, "10.0.0.1:7400", tr.address(peer.Node.ID))

	hijack := peer
	hijack.Address = "10.6.6.6:7400"
	n.learn(hijack, false)
	assert.Equal(t, "10.0.0.1:7400", tr.address(peer.Node.ID))

	stranger := newNodeInfo(t, "10.0.0.3:7400")
	n.learn(stranger, false)
	assert.Equal(t, "10.0.0.3:7400", tr.address(stranger.Node.ID))

	moved := peer
	moved.Address = "10.0.0.9:7400"
	n.learn(moved, true)
	assert.Equal(t, "10.0.0.9:7400", tr.address(peer.Node.ID))
}

func TestGRPCTransportRequiresPeerIdentity(t *testing.T) {
	logger := zaptest.NewLogger(t)

	anonymous := func(context.Context) (uuid.UUID, bool) { return uuid.Nil, false }
	tb := NewGRPCTransport("127.0.0.1:0", logger, WithPeerIdentity(anonymous))
	require.NoError(t, tb.Start(func(context.Context, []byte) { t.Error("frame accepted without identity") }))
	defer tb.Close()

	sender := uuid.New()
	identified := make(chan uuid.UUID, 1)
	tc := NewGRPCTransport("127.0.0.1:0", logger,
		WithPeerIdentity(func(context.Context) (uuid.UUID, bool) { return sender, true }))
	require.NoError(t, tc.Start(func(ctx context.Context, _ []byte) {
		id, _ := PeerFromContext(ctx)
		identified <- id
	}))
	defer tc.Close()

	ta := NewGRPCTransport("127.0.0.1:0", logger)
	defer ta.Close()
	b, c := uuid.New(), uuid.New()
	ta.AddPeer(b, tb.Addr().String())
	ta.AddPeer(c, tc.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ta.Send(ctx, b, []byte("frame"))
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	require.NoError(t, ta.Send(ctx, c, []byte("frame")))
	select {
	case id := <-identified:
		assert.Equal(t, sender, id)
	case <-ctx.Done():
		t.Fatal("frame not delivered")
	}
}
