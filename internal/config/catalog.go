package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// catalogFile mirrors the layout of catalog.yml:
//
//	catalog:
//	  version: "2024-06"
//	  tiers:
//	    basic:
//	      places_per_day: 30
//	      ai_queries_per_period: unlimited
type catalogFile struct {
	Version string                    `mapstructure:"version"`
	Tiers   map[string]catalog.Limits `mapstructure:"tiers"`
}

// CatalogHolder serves the tier catalog and swaps it in place when catalog.yml changes.
type CatalogHolder struct {
	current atomic.Pointer[catalog.Catalog]
	log     *zap.Logger
}

func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.catalog")

	v := viper.New()
	if path := cfg.CatalogPath; path != "" && isYAMLFile(path) {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		if path != "" {
			v.AddConfigPath(path)
		}
		v.AddConfigPath("/etc/wayfare")
		v.AddConfigPath(".")
	}

	holder := &CatalogHolder{log: log}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		holder.current.Store(catalog.Default())
		log.Info("catalog file not found, using built-in catalog", zap.String("version", catalog.DefaultVersion))
		return holder, nil
	}

	loaded, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(loaded)
	log.Info("catalog loaded", zap.String("file", v.ConfigFileUsed()), zap.String("version", loaded.Version()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			log.Warn("invalid catalog ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog reloaded", zap.String("file", e.Name), zap.String("version", updated.Version()))
	})

	return holder, nil
}

// Current returns the catalog in effect. Each returned catalog is immutable.
func (h *CatalogHolder) Current() *catalog.Catalog {
	return h.current.Load()
}

func decodeCatalog(v *viper.Viper) (*catalog.Catalog, error) {
	var file catalogFile
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(limitDecodeHook, mapstructure.StringToTimeDurationHookFunc()))
	if err := v.UnmarshalKey("catalog", &file, hook); err != nil {
		return nil, err
	}

	rows := make(map[catalog.Tier]catalog.Limits, len(file.Tiers))
	for name, row := range file.Tiers {
		tier, err := catalog.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("catalog tier %q: %w", name, err)
		}
		rows[tier] = row
	}

	version := strings.TrimSpace(file.Version)
	if version == "" {
		return nil, errors.New("catalog.version cannot be empty")
	}
	return catalog.New(version, rows)
}

var limitType = reflect.TypeOf(catalog.Limit{})

func limitDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != limitType || from == limitType {
		return data, nil
	}
	return catalog.ParseLimit(data)
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	default:
		return false
	}
}
