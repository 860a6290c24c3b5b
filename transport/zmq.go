package transport

import (
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// ZmqTransport 用一个 ROUTER 接收消息，对每个 peer 维护一个 DEALER 发送消息。
// 每条消息是一帧 JSON，由 types.EncodeMessage 编码。
type ZmqTransport struct {
	service.BaseService

	id         string
	listenAddr string

	ctx    context.Context
	cancel context.CancelFunc

	mtx      sync.RWMutex
	peers    map[string]string // id -> tcp://host:port
	dealers  map[string]zmq4.Socket
	router   zmq4.Socket
	receiver Receiver
}

// NewZmqTransport 创建传输层，peers 不应包含自己
func NewZmqTransport(id, listenAddr string, peers map[string]string, receiver Receiver) *ZmqTransport {
	zt := &ZmqTransport{
		id:         id,
		listenAddr: listenAddr,
		peers:      make(map[string]string, len(peers)),
		dealers:    make(map[string]zmq4.Socket),
		receiver:   receiver,
	}
	for pid, addr := range peers {
		if pid != id {
			zt.peers[pid] = addr
		}
	}
	zt.BaseService = *service.NewBaseService(nil, "ZmqTransport", zt)
	return zt
}

func (zt *ZmqTransport) SetLogger(logger log.Logger) {
	zt.Logger = logger
}

func (zt *ZmqTransport) SetReceiver(r Receiver) {
	zt.mtx.Lock()
	zt.receiver = r
	zt.mtx.Unlock()
}

func (zt *ZmqTransport) ID() string {
	return zt.id
}

func (zt *ZmqTransport) OnStart() error {
	zt.ctx, zt.cancel = context.WithCancel(context.Background())

	router := zmq4.NewRouter(zt.ctx, zmq4.WithID(zmq4.SocketIdentity(zt.id)))
	if err := router.Listen(zt.listenAddr); err != nil {
		zt.cancel()
		return errors.Wrapf(err, "listen on %s", zt.listenAddr)
	}

	zt.mtx.Lock()
	zt.router = router
	zt.mtx.Unlock()

	zt.Logger.Info("zmq transport listening", "addr", zt.listenAddr, "peers", len(zt.Peers()))
	go zt.recvRoutine(router)
	return nil
}

func (zt *ZmqTransport) OnStop() {
	zt.cancel()

	zt.mtx.Lock()
	defer zt.mtx.Unlock()
	if zt.router != nil {
		if err := zt.router.Close(); err != nil {
			zt.Logger.Debug("close router", "err", err)
		}
		zt.router = nil
	}
	for pid, dealer := range zt.dealers {
		if err := dealer.Close(); err != nil {
			zt.Logger.Debug("close dealer", "peer", pid, "err", err)
		}
	}
	zt.dealers = make(map[string]zmq4.Socket)
}

// AddPeer 新增或更新一个 peer 的地址，地址变化时旧的连接会被关闭
func (zt *ZmqTransport) AddPeer(id, addr string) {
	if id == zt.id {
		return
	}
	zt.mtx.Lock()
	defer zt.mtx.Unlock()
	if old, ok := zt.peers[id]; ok && old != addr {
		zt.closeDealerLocked(id)
	}
	zt.peers[id] = addr
}

func (zt *ZmqTransport) RemovePeer(id string) {
	zt.mtx.Lock()
	defer zt.mtx.Unlock()
	delete(zt.peers, id)
	zt.closeDealerLocked(id)
}

func (zt *ZmqTransport) Peers() []string {
	zt.mtx.RLock()
	defer zt.mtx.RUnlock()
	ids := make([]string, 0, len(zt.peers))
	for id := range zt.peers {
		ids = append(ids, id)
	}
	return ids
}

func (zt *ZmqTransport) closeDealerLocked(id string) {
	if dealer, ok := zt.dealers[id]; ok {
		if err := dealer.Close(); err != nil {
			zt.Logger.Debug("close dealer", "peer", id, "err", err)
		}
		delete(zt.dealers, id)
	}
}

// Send implements Transport
func (zt *ZmqTransport) Send(target string, msg types.Message) error {
	if !zt.IsRunning() {
		return ErrTransportDown
	}
	bz, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if target != Broadcast {
		if target == zt.id {
			go zt.deliver(bz)
			return nil
		}
		return zt.sendTo(target, bz)
	}

	var lastErr error
	for _, pid := range zt.Peers() {
		if err := zt.sendTo(pid, bz); err != nil {
			zt.Logger.Debug("broadcast skipped peer", "peer", pid, "err", err)
			lastErr = err
		}
	}
	return lastErr
}

func (zt *ZmqTransport) sendTo(target string, bz []byte) error {
	dealer, err := zt.dealer(target)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(bz)); err != nil {
		// 连接坏了，下次重新建立
		zt.mtx.Lock()
		zt.closeDealerLocked(target)
		zt.mtx.Unlock()
		return errors.Wrapf(err, "send to %s", target)
	}
	return nil
}

func (zt *ZmqTransport) dealer(target string) (zmq4.Socket, error) {
	zt.mtx.Lock()
	defer zt.mtx.Unlock()

	if dealer, ok := zt.dealers[target]; ok {
		return dealer, nil
	}
	addr, ok := zt.peers[target]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "%s", target)
	}

	dealer := zmq4.NewDealer(zt.ctx, zmq4.WithID(zmq4.SocketIdentity(zt.id)))
	if err := dealer.Dial(addr); err != nil {
		return nil, errors.Wrapf(err, "dial %s at %s", target, addr)
	}
	zt.dealers[target] = dealer
	return dealer, nil
}

// recvRoutine 从 ROUTER 读消息，第一帧是对方的 identity，最后一帧是消息体
func (zt *ZmqTransport) recvRoutine(router zmq4.Socket) {
	for {
		msg, err := router.Recv()
		if err != nil {
			select {
			case <-zt.ctx.Done():
				return
			default:
			}
			zt.Logger.Debug("router recv failed", "err", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		zt.deliver(msg.Frames[len(msg.Frames)-1])
	}
}

func (zt *ZmqTransport) deliver(bz []byte) {
	zt.mtx.RLock()
	receiver := zt.receiver
	zt.mtx.RUnlock()
	if receiver == nil {
		return
	}
	if err := receiver.ReceiveMessage(bz); err != nil {
		zt.Logger.Error("receive message failed", "node", zt.id, "err", err)
	}
}
