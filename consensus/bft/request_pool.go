package bft

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/clist"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

var (
	// ErrRequestInPool 同样摘要的请求已经在池中
	ErrRequestInPool = errors.New("request already exists in pool")
)

type poolRequest struct {
	digest  tmbytes.HexBytes
	request *types.BFTRequest
	// 是否由本节点的客户端提交，view 切换后需要重新发给新的 primary
	local bool
}

// requestPool 保存还没有执行的请求，按到达顺序排列，用摘要去重。
// primary 从这里取出请求分配序号；view 切换后新的 primary 从这里重新提案。
type requestPool struct {
	reqs    *clist.CList
	reqsMap sync.Map // digest string -> *clist.CElement
}

func newRequestPool() *requestPool {
	return &requestPool{
		reqs: clist.New(),
	}
}

func (pool *requestPool) Add(digest tmbytes.HexBytes, req *types.BFTRequest, local bool) error {
	key := digest.String()
	if e, ok := pool.reqsMap.Load(key); ok {
		// 先前由别人转发来的请求后来又被本地提交，标记为本地
		if local {
			e.(*clist.CElement).Value.(*poolRequest).local = true
		}
		return ErrRequestInPool
	}
	e := pool.reqs.PushBack(&poolRequest{digest: digest, request: req, local: local})
	pool.reqsMap.Store(key, e)
	return nil
}

func (pool *requestPool) Remove(digest tmbytes.HexBytes) {
	key := digest.String()
	if e, ok := pool.reqsMap.Load(key); ok {
		elem := e.(*clist.CElement)
		pool.reqs.Remove(elem)
		elem.DetachPrev()
		pool.reqsMap.Delete(key)
	}
}

func (pool *requestPool) Has(digest tmbytes.HexBytes) bool {
	_, ok := pool.reqsMap.Load(digest.String())
	return ok
}

// List 按到达顺序返回池中的请求
func (pool *requestPool) List() []*poolRequest {
	reqs := make([]*poolRequest, 0, pool.reqs.Len())
	for e := pool.reqs.Front(); e != nil; e = e.Next() {
		reqs = append(reqs, e.Value.(*poolRequest))
	}
	return reqs
}

func (pool *requestPool) Size() int {
	return pool.reqs.Len()
}
