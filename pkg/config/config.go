// Package config loads service configuration and reference data from a
// YAML file or a MongoDB document, with optional change notification.
package config

import (
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/config/configstore"
	"github.com/andrej220/fleetexec/pkg/config/filestore"
	"github.com/andrej220/fleetexec/pkg/config/mongostore"
	"github.com/andrej220/fleetexec/pkg/lg"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
)

// Config interface that combines all store capabilities
type Config interface {
	configstore.ConfigStore
	Watch(onChange func()) error
	Close() error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // Document ID
}

func NewStore(storeType StoreType, cfg any, logger lg.Logger) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, errors.New("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path, logger), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, errors.New("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID, logger)
	default:
		return nil, ErrInvalidStoreType
	}
}
