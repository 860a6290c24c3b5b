package transport

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// Filter 决定一条消息是否投递，返回 false 时丢弃，用于测试丢包/分区
type Filter func(from, to string, msg types.Message) bool

// Network 是进程内的消息网络，每个节点通过 Join 得到自己的 MemoryTransport。
// 消息先编码再解码，和真实网络一样只传递 JSON。
type Network struct {
	mtx       sync.RWMutex
	nodes     map[string]*MemoryTransport
	filter    Filter
	duplicate bool
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*MemoryTransport),
	}
}

// Join 把节点接入网络，同一个 id 只能加入一次
func (net *Network) Join(id string, receiver Receiver) *MemoryTransport {
	net.mtx.Lock()
	defer net.mtx.Unlock()

	if mt, ok := net.nodes[id]; ok {
		mt.SetReceiver(receiver)
		return mt
	}
	mt := newMemoryTransport(id, net, receiver)
	net.nodes[id] = mt
	return mt
}

// Leave 把节点从网络中摘除，之后发给它的消息都会失败
func (net *Network) Leave(id string) {
	net.mtx.Lock()
	delete(net.nodes, id)
	net.mtx.Unlock()
}

func (net *Network) SetFilter(f Filter) {
	net.mtx.Lock()
	net.filter = f
	net.mtx.Unlock()
}

// SetDuplicate 打开后每条消息都会投递两次
func (net *Network) SetDuplicate(dup bool) {
	net.mtx.Lock()
	net.duplicate = dup
	net.mtx.Unlock()
}

func (net *Network) IDs() []string {
	net.mtx.RLock()
	defer net.mtx.RUnlock()
	ids := make([]string, 0, len(net.nodes))
	for id := range net.nodes {
		ids = append(ids, id)
	}
	return ids
}

// StartAll 启动所有节点的投递协程
func (net *Network) StartAll() error {
	net.mtx.RLock()
	defer net.mtx.RUnlock()
	for _, mt := range net.nodes {
		if mt.IsRunning() {
			continue
		}
		if err := mt.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (net *Network) StopAll() {
	net.mtx.RLock()
	defer net.mtx.RUnlock()
	for _, mt := range net.nodes {
		if mt.IsRunning() {
			_ = mt.Stop()
		}
	}
}

func (net *Network) deliver(from, to string, msg types.Message, bz []byte) error {
	net.mtx.RLock()
	target, ok := net.nodes[to]
	filter, dup := net.filter, net.duplicate
	net.mtx.RUnlock()

	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "%s", to)
	}
	if filter != nil && !filter(from, to, msg) {
		return nil
	}
	target.enqueue(bz)
	if dup {
		target.enqueue(bz)
	}
	return nil
}

//-------------------------------------------------------------------------

// MemoryTransport 是某个节点在 Network 上的端点，收到的消息放进无界队列，
// 由独立的协程按顺序交给 Receiver，Send 因此永远不会阻塞。
type MemoryTransport struct {
	service.BaseService

	id  string
	net *Network

	mtx      sync.Mutex
	receiver Receiver
	queue    [][]byte
	notify   chan struct{}
}

func newMemoryTransport(id string, net *Network, receiver Receiver) *MemoryTransport {
	mt := &MemoryTransport{
		id:       id,
		net:      net,
		receiver: receiver,
		notify:   make(chan struct{}, 1),
	}
	mt.BaseService = *service.NewBaseService(nil, "MemoryTransport", mt)
	return mt
}

func (mt *MemoryTransport) SetLogger(logger log.Logger) {
	mt.Logger = logger
}

func (mt *MemoryTransport) ID() string {
	return mt.id
}

func (mt *MemoryTransport) SetReceiver(r Receiver) {
	mt.mtx.Lock()
	mt.receiver = r
	mt.mtx.Unlock()
}

// Send implements Transport
func (mt *MemoryTransport) Send(target string, msg types.Message) error {
	bz, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if target != Broadcast {
		if target == mt.id {
			mt.enqueue(bz)
			return nil
		}
		return mt.net.deliver(mt.id, target, msg, bz)
	}

	for _, id := range mt.net.IDs() {
		if id == mt.id {
			continue
		}
		if err := mt.net.deliver(mt.id, id, msg, bz); err != nil {
			mt.Logger.Debug("broadcast skipped peer", "peer", id, "err", err)
		}
	}
	return nil
}

func (mt *MemoryTransport) enqueue(bz []byte) {
	mt.mtx.Lock()
	mt.queue = append(mt.queue, bz)
	mt.mtx.Unlock()

	select {
	case mt.notify <- struct{}{}:
	default:
	}
}

func (mt *MemoryTransport) OnStart() error {
	go mt.deliverRoutine()
	return nil
}

func (mt *MemoryTransport) OnStop() {}

// Pending 返回还没有投递的消息数
func (mt *MemoryTransport) Pending() int {
	mt.mtx.Lock()
	defer mt.mtx.Unlock()
	return len(mt.queue)
}

func (mt *MemoryTransport) deliverRoutine() {
	for {
		select {
		case <-mt.Quit():
			return
		case <-mt.notify:
		}

		for {
			mt.mtx.Lock()
			if len(mt.queue) == 0 {
				mt.mtx.Unlock()
				break
			}
			bz := mt.queue[0]
			mt.queue[0] = nil
			mt.queue = mt.queue[1:]
			receiver := mt.receiver
			mt.mtx.Unlock()

			if receiver == nil {
				continue
			}
			if err := receiver.ReceiveMessage(bz); err != nil {
				mt.Logger.Error("receive message failed", "node", mt.id, "err", err)
			}

			select {
			case <-mt.Quit():
				return
			default:
			}
		}
	}
}
