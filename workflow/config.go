package workflow

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EngineConfig 引擎配置, 可以从 yaml/json 文件和 WORKFLOW_ 前缀的环境变量加载
type EngineConfig struct {
	LockingMode LockingMode `mapstructure:"locking_mode" validate:"oneof=pessimistic optimistic"`
	// SweepInterval 超时扫描的间隔
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	// StrictAutoTransitionAmbiguity 为 true 时多个可触发的自动迁移直接报错, 否则按定义顺序取第一个
	StrictAutoTransitionAmbiguity bool `mapstructure:"strict_auto_transition_ambiguity"`
	MaxAutoTransitionHops         int  `mapstructure:"max_auto_transition_hops" validate:"gt=0"`
	// LockMaxHold 悲观锁最长持有时间, 超过后自动释放
	LockMaxHold       time.Duration `mapstructure:"lock_max_hold" validate:"gt=0"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval" validate:"gt=0"`
	SweepBatchSize    int           `mapstructure:"sweep_batch_size" validate:"gt=0"`
	SweepConcurrency  int           `mapstructure:"sweep_concurrency" validate:"gt=0"`
	// HistoryPageSize 遍历历史时每次从存储读取的条数
	HistoryPageSize int `mapstructure:"history_page_size" validate:"gt=0"`
	// RecordCreation 创建实体时是否写一条 from 为空的 created 历史
	RecordCreation bool `mapstructure:"record_creation"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LockingMode:                   LockingModePessimistic,
		SweepInterval:                 5 * time.Minute,
		StrictAutoTransitionAmbiguity: true,
		MaxAutoTransitionHops:         10,
		LockMaxHold:                   30 * time.Second,
		LockRetryInterval:             defaultLockRetryInterval,
		SweepBatchSize:                100,
		SweepConcurrency:              4,
		HistoryPageSize:               defaultHistoryPageSize,
		RecordCreation:                false,
	}
}

func (c EngineConfig) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "invalid engine config, err: %v", err)
	}
	return nil
}

// LoadEngineConfig 读取配置文件, path 为空时只读环境变量
// 没有配置的项使用 DefaultEngineConfig 的值
func LoadEngineConfig(path string) (EngineConfig, error) {
	v := viper.New()
	def := DefaultEngineConfig()
	v.SetDefault("locking_mode", def.LockingMode)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("strict_auto_transition_ambiguity", def.StrictAutoTransitionAmbiguity)
	v.SetDefault("max_auto_transition_hops", def.MaxAutoTransitionHops)
	v.SetDefault("lock_max_hold", def.LockMaxHold)
	v.SetDefault("lock_retry_interval", def.LockRetryInterval)
	v.SetDefault("sweep_batch_size", def.SweepBatchSize)
	v.SetDefault("sweep_concurrency", def.SweepConcurrency)
	v.SetDefault("history_page_size", def.HistoryPageSize)
	v.SetDefault("record_creation", def.RecordCreation)

	v.SetEnvPrefix("WORKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return EngineConfig{}, errors.Wrapf(ErrWorkflowParamInvalid, "read config %s failed, err: %v", path, err)
		}
	}
	cfg := EngineConfig{}
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, errors.Wrapf(ErrWorkflowParamInvalid, "unmarshal config failed, err: %v", err)
	}
	cfg.LockingMode = strings.ToLower(strings.TrimSpace(cfg.LockingMode))
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}
