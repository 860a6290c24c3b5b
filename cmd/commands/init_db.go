package commands

import (
	"fmt"
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
)

var (
	keySum    int
	initValue int
	seedFile  string
)

func init() {
	InitDBCmd.Flags().IntVar(&keySum, "key-sum", 100, "number of counters key1..keyN to create")
	InitDBCmd.Flags().IntVar(&initValue, "init-value", 0, "initial value of every counter")
	InitDBCmd.Flags().StringVar(&seedFile, "file", "", "JSON object with extra key/value pairs to seed")
}

// InitDBCmd 在共识之外写入状态机的初始数据
var InitDBCmd = &cobra.Command{
	Use:     "init-db",
	Aliases: []string{"init_db", "initdb"},
	Short:   "Seed the key/value state database",
	PreRun:  deprecateSnakeCase,
	RunE:    initDB,
}

func seedData() (map[string]interface{}, error) {
	if keySum < 0 {
		return nil, errors.New("key sum must >= 0")
	}
	data := make(map[string]interface{}, keySum)
	for i := 0; i < keySum; i++ {
		data[fmt.Sprintf("key%v", i+1)] = initValue
	}

	if seedFile == "" {
		return data, nil
	}
	bz, err := ioutil.ReadFile(seedFile)
	if err != nil {
		return nil, err
	}
	var extra map[string]interface{}
	if err := jsoniter.Unmarshal(bz, &extra); err != nil {
		return nil, errors.Wrapf(err, "decode %s", seedFile)
	}
	for k, v := range extra {
		data[k] = v
	}
	return data, nil
}

func initDB(cmd *cobra.Command, args []string) error {
	data, err := seedData()
	if err != nil {
		return err
	}

	kv, err := state.NewKVStateMachine(nm.StateDBName, config.DBBackend, config.DBDir(), logger.With("module", "state"))
	if err != nil {
		return err
	}
	defer kv.Close() // nolint: errcheck

	if err := kv.Seed(data); err != nil {
		return err
	}
	logger.Info("Seeded state db", "keys", len(data), "dir", config.DBDir())
	return nil
}
