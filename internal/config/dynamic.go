package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DynamicStore holds the hot-reloadable section behind an atomic pointer.
type DynamicStore struct {
	cur atomic.Pointer[DynamicConfig]
}

func NewDynamicStore(initial DynamicConfig) *DynamicStore {
	s := &DynamicStore{}
	s.Set(initial)
	return s
}

func (s *DynamicStore) Get() DynamicConfig {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return DynamicConfig{}
}

func (s *DynamicStore) Set(d DynamicConfig) { s.cur.Store(&d) }

// BizAllowed reports whether a business is in the third-party whitelist.
// An empty whitelist allows every business.
func (s *DynamicStore) BizAllowed(bizID int64) bool {
	list := s.Get().BizWhitelist
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == bizID {
			return true
		}
	}
	return false
}

// Watch re-reads the dynamic section whenever the config file changes.
func (s *DynamicStore) Watch(path string) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("reload dynamic config failed")
			return
		}
		s.Set(next.Dynamic)
		log.Info().Str("file", e.Name).
			Int("biz_whitelist", len(next.Dynamic.BizWhitelist)).
			Int("breaker_rules", len(next.Dynamic.BreakerRules)).
			Msg("dynamic config reloaded")
	})
	v.WatchConfig()
	return nil
}
