package state

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
)

const (
	tableData = "data/"
	tableMeta = "meta/"

	OpSet  = "set"
	OpGet  = "get"
	OpDel  = "del"
	OpIncr = "incr"
)

var (
	stateKey = genKey(tableMeta, "state")
	cdc      = jsoniter.ConfigCompatibleWithStandardLibrary
)

// NewKVStateMachineWithDB 使用已经打开的 db，并恢复上次保存的 State
func NewKVStateMachineWithDB(db tmdb.DB, logger log.Logger) (*KVStateMachine, error) {
	kv := &KVStateMachine{db: db, logger: logger}
	if kv.logger == nil {
		kv.logger = log.NewNopLogger()
	}

	bz, err := db.Get(stateKey)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	if len(bz) > 0 {
		if err := cdc.Unmarshal(bz, &kv.state); err != nil {
			return nil, errors.Wrap(err, "decode state")
		}
	}
	return kv, nil
}

// NewKVStateMachine 按 backend 打开 name/dir 下的数据库
func NewKVStateMachine(name, backend, dir string, logger log.Logger) (*KVStateMachine, error) {
	db, err := tmdb.NewDB(name, tmdb.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s db %s", backend, name)
	}
	return NewKVStateMachineWithDB(db, logger)
}

// KVStateMachine 是一个基于 tm-db 的键值状态机，支持
//   {"op":"set","k":K,"v":V}
//   {"op":"get","k":K}
//   {"op":"del","k":K}
//   {"op":"incr","k":K,"by":N}
// 每个操作和更新后的 State 在同一个 batch 中写入。
type KVStateMachine struct {
	mtx    sync.Mutex
	db     tmdb.DB
	logger log.Logger

	state State
}

func (kv *KVStateMachine) SetLogger(logger log.Logger) {
	kv.logger = logger
}

// Execute implements Executor
func (kv *KVStateMachine) Execute(op interface{}) (interface{}, error) {
	fields, ok := op.(map[string]interface{})
	if !ok {
		return nil, errors.Wrapf(ErrInvalidOp, "operation must be an object, got %T", op)
	}
	name, _ := fields["op"].(string)
	rawKey, ok := fields["k"]
	if !ok || rawKey == nil {
		return nil, errors.Wrapf(ErrInvalidOp, "%s without key", name)
	}
	key := fmt.Sprint(rawKey)

	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	var batch tmdb.Batch
	defer func() {
		if batch != nil {
			batch.Close()
		}
	}()
	batch = kv.db.NewBatch()

	result, err := kv.apply(batch, name, key, fields)
	if err != nil {
		kv.logger.Debug("exec op failed", "op", op, "err", err)
		return nil, err
	}

	opBz, err := cdc.Marshal(op)
	if err != nil {
		return nil, errors.Wrap(err, "encode op")
	}
	newState := kv.state.Copy()
	newState.Height++
	newState.LastOpHash = tmhash.Sum(opBz)
	newState.LastApplyTime = time.Now()
	stateBz, err := cdc.Marshal(newState)
	if err != nil {
		return nil, errors.Wrap(err, "encode state")
	}
	if err := batch.Set(stateKey, stateBz); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, errors.Wrap(err, "write batch")
	}
	if err := batch.Close(); err != nil {
		return nil, err
	}
	batch = nil

	kv.state = newState
	return result, nil
}

func (kv *KVStateMachine) apply(batch tmdb.Batch, name, key string, fields map[string]interface{}) (interface{}, error) {
	switch name {
	case OpSet:
		v := fields["v"]
		bz, err := cdc.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "encode value")
		}
		if err := batch.Set(genKey(tableData, key), bz); err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": key, "value": v}, nil

	case OpGet:
		v, found, err := kv.get(key)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": key, "value": v, "found": found}, nil

	case OpDel:
		_, found, err := kv.get(key)
		if err != nil {
			return nil, err
		}
		if err := batch.Delete(genKey(tableData, key)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": key, "deleted": found}, nil

	case OpIncr:
		by := 1.0
		if raw, ok := fields["by"]; ok {
			f, ok := raw.(float64)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidOp, "incr by %v", raw)
			}
			by = f
		}
		cur, _, err := kv.get(key)
		if err != nil {
			return nil, err
		}
		base := 0.0
		if cur != nil {
			f, ok := cur.(float64)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidOp, "key %s holds a non-numeric value", key)
			}
			base = f
		}
		next := base + by
		bz, _ := cdc.Marshal(next)
		if err := batch.Set(genKey(tableData, key), bz); err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": key, "value": next}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownOp, "%q", name)
	}
}

// Get 直接读取状态机中的值，不经过共识
func (kv *KVStateMachine) Get(key string) (interface{}, bool, error) {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.get(key)
}

func (kv *KVStateMachine) get(key string) (interface{}, bool, error) {
	bz, err := kv.db.Get(genKey(tableData, key))
	if err != nil {
		return nil, false, err
	}
	if bz == nil {
		return nil, false, nil
	}
	var v interface{}
	if err := cdc.Unmarshal(bz, &v); err != nil {
		return nil, false, errors.Wrapf(err, "decode value of %s", key)
	}
	return v, true, nil
}

// Seed 在共识之外直接写入初始数据，只在 init-db 时使用
func (kv *KVStateMachine) Seed(data map[string]interface{}) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	batch := kv.db.NewBatch()
	defer batch.Close()
	for k, v := range data {
		bz, err := cdc.Marshal(v)
		if err != nil {
			return err
		}
		if err := batch.Set(genKey(tableData, k), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (kv *KVStateMachine) State() State {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.state.Copy()
}

func (kv *KVStateMachine) GetDB() tmdb.DB {
	return kv.db
}

func (kv *KVStateMachine) Close() error {
	return kv.db.Close()
}

func genKey(table string, primaryKey string) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.WriteString(primaryKey)
	return buffer.Bytes()
}
