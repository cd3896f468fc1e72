package overlay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// seenTTL is how long query and relay ids are remembered for duplicate
// suppression.
const seenTTL = 2 * time.Minute

// Node is the Stack implementation. It frames messages for a Transport,
// floods queries and relays, and keeps a directory of nodes it has heard of.
type Node struct {
	info      types.NodeInfo
	signer    cert.Signer
	transport Transport
	logger    *zap.Logger
	hops      int32
	seen      *gocache.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	nextID     uint64
	handlers   map[string]map[uint64]Handler
	responders map[uint64]QueryResponder
	services   map[uint64]types.ServiceInstance
	queries    map[uuid.UUID]func(QueryResult)
	directory  map[uuid.UUID]types.NodeInfo
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithQueryHops limits how many times queries and relays are forwarded.
func WithQueryHops(hops int) NodeOption {
	return func(n *Node) { n.hops = int32(hops) }
}

// NewNode creates a node that signs with signer and talks over transport.
func NewNode(info types.NodeInfo, signer cert.Signer, transport Transport, logger *zap.Logger, opts ...NodeOption) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		info:       info,
		signer:     signer,
		transport:  transport,
		logger:     logger.With(zap.String("node", info.String())),
		hops:       DefaultQueryHops,
		seen:       gocache.New(seenTTL, 2*seenTTL),
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[string]map[uint64]Handler),
		responders: make(map[uint64]QueryResponder),
		services:   make(map[uint64]types.ServiceInstance),
		queries:    make(map[uuid.UUID]func(QueryResult)),
		directory:  make(map[uuid.UUID]types.NodeInfo),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start begins receiving frames from the transport.
func (n *Node) Start() error {
	if err := n.transport.Start(n.receive); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	n.logger.Info("Overlay node started", zap.Int("peers", len(n.transport.Peers())))
	return nil
}

// Stop cancels in-flight work and closes the transport.
func (n *Node) Stop() error {
	n.cancel()
	return n.transport.Close()
}

func (n *Node) LocalNode() types.NodeInfo {
	return n.info
}

func (n *Node) Signer() cert.Signer {
	return n.signer
}

func (n *Node) isSelf(id uuid.UUID) bool {
	return id == n.info.Node.ID
}

func (n *Node) RegisterHandler(tag string, h Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.handlers[tag] == nil {
		n.handlers[tag] = make(map[uint64]Handler)
	}
	n.handlers[tag][id] = h

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers[tag], id)
	}
}

func (n *Node) RegisterQueryResponder(r QueryResponder) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.responders[id] = r

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.responders, id)
	}
}

// PublishService makes si discoverable through FindService.
func (n *Node) PublishService(si types.ServiceInstance) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.services[id] = si
	n.logger.Debug("Published service", zap.Stringer("service", si))

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.services, id)
	}
}

func (n *Node) IsConnected(node types.NodeID) bool {
	return n.isSelf(node.ID) || n.transport.Connected(node.ID)
}

func (n *Node) SendDirect(ctx context.Context, to types.NodeInfo, msg []byte) error {
	if n.isSelf(to.Node.ID) {
		go n.dispatchPayload(n.info, msg, false)
		return nil
	}
	if !n.transport.Connected(to.Node.ID) {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	if err := n.transport.Send(ctx, to.Node.ID, frame{From: n.info, Payload: msg}.marshal()); err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

func (n *Node) SendRelayed(ctx context.Context, to types.NodeInfo, msg []byte) error {
	if n.isSelf(to.Node.ID) {
		go n.dispatchPayload(n.info, msg, true)
		return nil
	}

	rl := relay{
		ID:       uuid.New(),
		Target:   to.Node.ID,
		Origin:   n.info,
		HopsLeft: n.hops,
		Payload:  msg,
	}
	n.markSeen(rl.ID)

	if n.broadcast(ctx, rl.marshal()) == 0 {
		return fmt.Errorf("%w: no peer can relay to %s", ErrNotConnected, to)
	}
	return nil
}

func (n *Node) Send(ctx context.Context, to types.NodeInfo, msg []byte) error {
	if n.IsConnected(to.Node) {
		err := n.SendDirect(ctx, to, msg)
		if err == nil {
			return nil
		}
		n.logger.Debug("Direct send failed, relaying", zap.Stringer("to", to), zap.Error(err))
	}
	return n.SendRelayed(ctx, to, msg)
}

// broadcast sends payload to every peer not in exclude and returns how many
// peers accepted it.
func (n *Node) broadcast(ctx context.Context, payload []byte, exclude ...uuid.UUID) int {
	data := frame{From: n.info, Payload: payload}.marshal()

	var reached atomic.Int32
	var g errgroup.Group
	for _, peer := range n.transport.Peers() {
		if containsID(exclude, peer) {
			continue
		}
		peer := peer
		g.Go(func() error {
			if err := n.transport.Send(ctx, peer, data); err != nil {
				n.logger.Debug("Broadcast to peer failed", zap.Stringer("peer", peer), zap.Error(err))
				return err
			}
			reached.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(reached.Load())
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (n *Node) Query(keyword string, id uuid.UUID, onResult func(QueryResult)) func() {
	n.mu.Lock()
	n.queries[id] = onResult
	n.mu.Unlock()
	n.markSeen(id)

	q := Query{ID: id, Origin: n.info, Keyword: keyword, HopsLeft: n.hops}
	go func() {
		for _, extra := range n.answer(q) {
			n.deliverResult(QueryResult{QueryID: id, Responder: n.info, ExtraInfo: extra})
		}
		n.broadcast(n.ctx, q.marshal())
	}()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.queries, id)
	}
}

// answer collects this node's answers to q.
func (n *Node) answer(q Query) [][]byte {
	var results [][]byte
	if q.Keyword == n.info.Node.SearchString() {
		results = append(results, n.info.Marshal())
	}

	n.mu.RLock()
	services := make([]types.ServiceInstance, 0, len(n.services))
	for _, si := range n.services {
		services = append(services, si)
	}
	responders := make([]QueryResponder, 0, len(n.responders))
	for _, r := range n.responders {
		responders = append(responders, r)
	}
	n.mu.RUnlock()

	for _, si := range services {
		if serviceMatches(si, q.Keyword) {
			results = append(results, si.Marshal())
		}
	}
	for _, r := range responders {
		results = append(results, r(q)...)
	}
	return results
}

func serviceMatches(si types.ServiceInstance, keyword string) bool {
	if keyword == si.SearchString() {
		return true
	}
	for _, kw := range si.ServiceID.SearchStrings() {
		if kw == keyword {
			return true
		}
	}
	return false
}

func (n *Node) deliverResult(res QueryResult) {
	n.mu.RLock()
	cb := n.queries[res.QueryID]
	n.mu.RUnlock()
	if cb != nil {
		cb(res)
	}
}

// markSeen records id and reports whether it was new.
func (n *Node) markSeen(id uuid.UUID) bool {
	return n.seen.Add(id.String(), struct{}{}, gocache.DefaultExpiration) == nil
}

// learn records info in the directory. Only a node speaking for itself may
// replace what is already known about it; second-hand descriptions from
// queries, results and relays fill gaps only.
func (n *Node) learn(info types.NodeInfo, firstHand bool) {
	if info.Node.ID == uuid.Nil || n.isSelf(info.Node.ID) {
		return
	}

	n.mu.Lock()
	if _, known := n.directory[info.Node.ID]; known && !firstHand {
		n.mu.Unlock()
		return
	}
	n.directory[info.Node.ID] = info
	n.mu.Unlock()

	if learner, ok := n.transport.(peerLearner); ok && info.Address != "" {
		learner.AddPeer(info.Node.ID, info.Address)
	}
}

// KnownNodes returns the nodes in the directory.
func (n *Node) KnownNodes() []types.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nodes := make([]types.NodeInfo, 0, len(n.directory))
	for _, info := range n.directory {
		nodes = append(nodes, info)
	}
	return nodes
}

func (n *Node) receive(ctx context.Context, data []byte) {
	f, err := unmarshalFrame(data)
	if err != nil {
		n.logger.Debug("Dropping unreadable frame", zap.Error(err))
		return
	}
	if peer, ok := PeerFromContext(ctx); ok && peer != f.From.Node.ID {
		n.logger.Warn("Dropping frame from impersonating peer",
			zap.Stringer("claimed", f.From.Node),
			zap.Stringer("authenticated", peer))
		return
	}
	n.learn(f.From, true)
	n.dispatchPayload(f.From, f.Payload, false)
}

func (n *Node) dispatchPayload(from types.NodeInfo, payload []byte, relayed bool) {
	tag, err := wire.NewReader(payload).PeekTag()
	if err != nil {
		n.logger.Debug("Dropping untagged payload", zap.Stringer("from", from))
		return
	}

	switch tag {
	case tagQuery:
		q, err := unmarshalQuery(payload)
		if err != nil {
			n.logger.Debug("Dropping malformed query", zap.Error(err))
			return
		}
		n.handleQuery(from, q)
	case tagQueryResult:
		res, err := unmarshalQueryResult(payload)
		if err != nil {
			n.logger.Debug("Dropping malformed query result", zap.Error(err))
			return
		}
		n.learn(res.Responder, false)
		n.deliverResult(res)
	case tagRelay:
		rl, err := unmarshalRelay(payload)
		if err != nil {
			n.logger.Debug("Dropping malformed relay", zap.Error(err))
			return
		}
		n.handleRelay(from, rl)
	default:
		n.dispatch(Message{From: from, Tag: tag, Data: payload, Relayed: relayed})
	}
}

func (n *Node) dispatch(msg Message) {
	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.handlers[msg.Tag]))
	for _, h := range n.handlers[msg.Tag] {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	if len(handlers) == 0 {
		n.logger.Debug("No handler for message", zap.String("tag", msg.Tag), zap.Stringer("from", msg.From))
		return
	}
	for _, h := range handlers {
		go h(n.ctx, msg)
	}
}

func (n *Node) handleQuery(from types.NodeInfo, q Query) {
	if !n.markSeen(q.ID) {
		return
	}
	n.learn(q.Origin, false)

	for _, extra := range n.answer(q) {
		res := QueryResult{QueryID: q.ID, Responder: n.info, ExtraInfo: extra}
		if err := n.Send(n.ctx, q.Origin, res.marshal()); err != nil {
			n.logger.Debug("Failed to return query result",
				zap.Stringer("origin", q.Origin), zap.Error(err))
		}
	}

	if q.HopsLeft > 0 {
		q.HopsLeft--
		n.broadcast(n.ctx, q.marshal(), from.Node.ID, q.Origin.Node.ID)
	}
}

func (n *Node) handleRelay(from types.NodeInfo, rl relay) {
	if !n.markSeen(rl.ID) {
		return
	}
	n.learn(rl.Origin, false)

	if n.isSelf(rl.Target) {
		n.dispatchPayload(rl.Origin, rl.Payload, true)
		return
	}

	if n.transport.Connected(rl.Target) {
		data := frame{From: n.info, Payload: rl.marshal()}.marshal()
		if err := n.transport.Send(n.ctx, rl.Target, data); err == nil {
			return
		}
	}

	if rl.HopsLeft > 0 {
		rl.HopsLeft--
		n.broadcast(n.ctx, rl.marshal(), from.Node.ID, rl.Origin.Node.ID)
	}
}

func (n *Node) FindNode(ctx context.Context, node types.NodeID) (types.NodeInfo, error) {
	if n.isSelf(node.ID) {
		return n.info, nil
	}

	n.mu.RLock()
	info, ok := n.directory[node.ID]
	n.mu.RUnlock()
	if ok {
		return info, nil
	}

	found := make(chan types.NodeInfo, 1)
	cancel := n.Query(node.SearchString(), uuid.New(), func(res QueryResult) {
		info, err := types.UnmarshalNodeInfo(res.ExtraInfo)
		if err != nil || info.Node.ID != node.ID {
			return
		}
		select {
		case found <- info:
		default:
		}
	})
	defer cancel()

	select {
	case info := <-found:
		return info, nil
	case <-ctx.Done():
		return types.NodeInfo{}, fmt.Errorf("%w: node %s not found", ErrNetworkTimeout, node)
	case <-n.ctx.Done():
		return types.NodeInfo{}, ErrStopped
	}
}

type serviceHit struct {
	instance types.ServiceInstance
	node     types.NodeInfo
}

func (n *Node) FindService(ctx context.Context, service types.ServiceID) (types.ServiceInstance, types.NodeInfo, error) {
	found := make(chan serviceHit, 1)
	cancel := n.Query(service.SearchString(), uuid.New(), func(res QueryResult) {
		si, err := types.UnmarshalServiceInstance(res.ExtraInfo)
		if err != nil || si.ServiceID.ID != service.ID {
			return
		}
		if service.HasSub() && si.ServiceID.SubID != service.SubID {
			return
		}
		select {
		case found <- serviceHit{instance: si, node: res.Responder}:
		default:
		}
	})
	defer cancel()

	select {
	case hit := <-found:
		return hit.instance, hit.node, nil
	case <-ctx.Done():
		return types.ServiceInstance{}, types.NodeInfo{}, fmt.Errorf("%w: service %s not found", ErrNetworkTimeout, service)
	case <-n.ctx.Done():
		return types.ServiceInstance{}, types.NodeInfo{}, ErrStopped
	}
}
