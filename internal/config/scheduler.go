package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SchedulerTunables are the settlement knobs an operator may adjust without a
// redeploy. The lock TTLs, batch size, retry budget and gateway pacing have no
// fixed relationship to each other; they are deliberately independent config.
type SchedulerTunables struct {
	BatchSize                int `mapstructure:"batchSize"`
	ConcurrentLimit          int `mapstructure:"concurrentLimit"`
	ChunkDelayMillis         int `mapstructure:"chunkDelayMillis"`
	MaxRetries               int `mapstructure:"maxRetries"`
	GlobalLockTTLMinutes     int `mapstructure:"globalLockTtlMinutes"`
	SubscriberLockTTLMinutes int `mapstructure:"subscriberLockTtlMinutes"`
}

func DefaultSchedulerTunables() SchedulerTunables {
	return SchedulerTunables{
		BatchSize:                100,
		ConcurrentLimit:          5,
		ChunkDelayMillis:         1000,
		MaxRetries:               2,
		GlobalLockTTLMinutes:     15,
		SubscriberLockTTLMinutes: 5,
	}
}

func (t SchedulerTunables) ChunkDelay() time.Duration {
	return time.Duration(t.ChunkDelayMillis) * time.Millisecond
}

func (t SchedulerTunables) GlobalLockTTL() time.Duration {
	return time.Duration(t.GlobalLockTTLMinutes) * time.Minute
}

func (t SchedulerTunables) SubscriberLockTTL() time.Duration {
	return time.Duration(t.SubscriberLockTTLMinutes) * time.Minute
}

type SchedulerTunablesHolder struct {
	current atomic.Value // holds SchedulerTunables
}

// NewSchedulerTunablesHolder reads scheduler tunables from autobill.yml and
// keeps them hot-reloadable via fsnotify.
func NewSchedulerTunablesHolder() (*SchedulerTunablesHolder, error) {
	v := viper.New()

	v.SetConfigName("autobill")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/autobill/config") // Volume-mounted config
	v.AddConfigPath("/etc/autobill")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("AUTOBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSchedulerTunables()
	v.SetDefault("scheduler.batchSize", defaults.BatchSize)
	v.SetDefault("scheduler.concurrentLimit", defaults.ConcurrentLimit)
	v.SetDefault("scheduler.chunkDelayMillis", defaults.ChunkDelayMillis)
	v.SetDefault("scheduler.maxRetries", defaults.MaxRetries)
	v.SetDefault("scheduler.globalLockTtlMinutes", defaults.GlobalLockTTLMinutes)
	v.SetDefault("scheduler.subscriberLockTtlMinutes", defaults.SubscriberLockTTLMinutes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var tunables SchedulerTunables
	if err := v.UnmarshalKey("scheduler", &tunables); err != nil {
		return nil, err
	}
	if err := validateSchedulerTunables(tunables); err != nil {
		return nil, err
	}

	holder := &SchedulerTunablesHolder{}
	holder.current.Store(tunables)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SchedulerTunables
		if err := v.UnmarshalKey("scheduler", &updated); err != nil {
			log.Printf("[scheduler-config] reload failed: %v", err)
			return
		}
		if err := validateSchedulerTunables(updated); err != nil {
			log.Printf("[scheduler-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[scheduler-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticSchedulerTunablesHolder wraps fixed tunables without file watching.
func NewStaticSchedulerTunablesHolder(t SchedulerTunables) *SchedulerTunablesHolder {
	h := &SchedulerTunablesHolder{}
	h.current.Store(t)
	return h
}

func (h *SchedulerTunablesHolder) Get() SchedulerTunables {
	return h.current.Load().(SchedulerTunables)
}

// Store replaces the current tunables. Exposed for tests.
func (h *SchedulerTunablesHolder) Store(t SchedulerTunables) {
	h.current.Store(t)
}

func validateSchedulerTunables(t SchedulerTunables) error {
	if t.BatchSize <= 0 {
		return errors.New("scheduler.batchSize must be positive")
	}
	if t.ConcurrentLimit <= 0 {
		return errors.New("scheduler.concurrentLimit must be positive")
	}
	if t.MaxRetries <= 0 {
		return errors.New("scheduler.maxRetries must be positive")
	}
	if t.GlobalLockTTLMinutes <= 0 || t.SubscriberLockTTLMinutes <= 0 {
		return errors.New("scheduler lock TTLs must be positive")
	}
	return nil
}
