package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	tableDecision = "decision/"
	tableTime     = "time/"

	DefaultTTL = time.Hour
)

var cdc = jsoniter.ConfigCompatibleWithStandardLibrary

// DecisionStore 保存 manager 产生的决策。内存中的决策超过 ttl 后被 Prune 删除；
// 配置了 archive 时每个决策同时写入 tm-db，可以通过 History 按时间倒序查询。
type DecisionStore struct {
	mtx       sync.RWMutex
	decisions map[string]*types.SwarmDecision

	ttl     time.Duration
	archive tmdb.DB // 可以为 nil
	logger  log.Logger
}

func NewDecisionStore(ttl time.Duration, archive tmdb.DB, logger log.Logger) *DecisionStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &DecisionStore{
		decisions: make(map[string]*types.SwarmDecision),
		ttl:       ttl,
		archive:   archive,
		logger:    logger,
	}
}

// NewDecisionStoreWithBackend 按 backend 在 dir 下打开名为 name 的归档库
func NewDecisionStoreWithBackend(ttl time.Duration, name, backend, dir string, logger log.Logger) (*DecisionStore, error) {
	db, err := tmdb.NewDB(name, tmdb.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s db %s", backend, name)
	}
	return NewDecisionStore(ttl, db, logger), nil
}

func (s *DecisionStore) SetLogger(logger log.Logger) {
	s.logger = logger
}

// Put 保存决策的拷贝，同一个 id 会被覆盖
func (s *DecisionStore) Put(d *types.SwarmDecision) error {
	if d == nil || d.DecisionID == "" {
		return errors.New("decision without id")
	}
	cp := d.Copy()

	s.mtx.Lock()
	s.decisions[cp.DecisionID] = cp
	s.mtx.Unlock()

	if s.archive == nil {
		return nil
	}
	return s.saveArchive(cp)
}

func (s *DecisionStore) saveArchive(d *types.SwarmDecision) error {
	bz, err := cdc.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode decision")
	}

	batch := s.archive.NewBatch()
	defer batch.Close()
	if err := batch.Set(genKey(tableDecision, d.DecisionID), bz); err != nil {
		return err
	}
	if err := batch.Set(timeKey(d.CreatedAt, d.DecisionID), []byte(d.DecisionID)); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "write decision batch")
	}
	return nil
}

// Get 先查内存，再查归档
func (s *DecisionStore) Get(id string) (*types.SwarmDecision, bool) {
	s.mtx.RLock()
	d, ok := s.decisions[id]
	s.mtx.RUnlock()
	if ok {
		return d.Copy(), true
	}
	if s.archive == nil {
		return nil, false
	}

	d, err := s.loadArchive(id)
	if err != nil {
		s.logger.Error("load archived decision", "id", id, "err", err)
		return nil, false
	}
	return d, d != nil
}

func (s *DecisionStore) loadArchive(id string) (*types.SwarmDecision, error) {
	bz, err := s.archive.Get(genKey(tableDecision, id))
	if err != nil || bz == nil {
		return nil, err
	}
	d := &types.SwarmDecision{}
	if err := cdc.Unmarshal(bz, d); err != nil {
		return nil, errors.Wrapf(err, "decode decision %s", id)
	}
	return d, nil
}

// All 按创建时间返回内存中的所有决策
func (s *DecisionStore) All() []*types.SwarmDecision {
	s.mtx.RLock()
	res := make([]*types.SwarmDecision, 0, len(s.decisions))
	for _, d := range s.decisions {
		res = append(res, d.Copy())
	}
	s.mtx.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

func (s *DecisionStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.decisions)
}

// Prune 从内存中删除创建时间早于 now-ttl 的决策，归档不受影响
func (s *DecisionStore) Prune(now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mtx.Lock()
	pruned := 0
	for id, d := range s.decisions {
		if d.CreatedAt.Before(cutoff) {
			delete(s.decisions, id)
			pruned++
		}
	}
	s.mtx.Unlock()

	if pruned > 0 {
		s.logger.Debug("pruned decisions", "count", pruned, "cutoff", cutoff)
	}
	return pruned
}

// History 从归档中按创建时间倒序返回最多 limit 个决策
func (s *DecisionStore) History(limit int) ([]*types.SwarmDecision, error) {
	if s.archive == nil {
		all := s.All()
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	start := []byte(tableTime)
	end := append([]byte(tableTime[:len(tableTime)-1]), '/'+1)
	it, err := s.archive.ReverseIterator(start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var res []*types.SwarmDecision
	for ; it.Valid(); it.Next() {
		if limit > 0 && len(res) >= limit {
			break
		}
		d, err := s.loadArchive(string(it.Value()))
		if err != nil {
			return nil, err
		}
		if d != nil {
			res = append(res, d)
		}
	}
	return res, it.Error()
}

func (s *DecisionStore) Close() error {
	if s.archive == nil {
		return nil
	}
	return s.archive.Close()
}

func genKey(table string, primaryKey string) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.WriteString(primaryKey)
	return buffer.Bytes()
}

// timeKey 定长的纳秒时间戳保证按字节序就是按时间排序
func timeKey(t time.Time, id string) []byte {
	return genKey(tableTime, fmt.Sprintf("%020d/%s", t.UnixNano(), id))
}
