package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bytes per KB
const KB = 1024

// Default configuration constants. See [Config] for field descriptions.
const (
	// DefaultMongoURI points at a local mongod.
	DefaultMongoURI = "mongodb://127.0.0.1:27017"

	// DefaultDatabase is the database holding the filesystem collections.
	DefaultDatabase = "gridmount"

	// DefaultCollection is the collection prefix; the store derives
	// <prefix>.metadata, <prefix>.files and <prefix>.chunks from it.
	DefaultCollection = "fs"

	// DefaultChunkSize matches the GridFS default chunk size so blobs
	// written here stay readable by stock GridFS tooling.
	DefaultChunkSize = 255 * KB

	// DefaultConnectTimeout is the Mongo connect/ping deadline in seconds.
	DefaultConnectTimeout = 10

	// DefaultAttrTimeout is the kernel attribute cache timeout in seconds.
	DefaultAttrTimeout = 10.0

	// DefaultEntryTimeout is the kernel entry cache timeout in seconds.
	DefaultEntryTimeout = 10.0

	DefaultFsName = "gridmount"
	DefaultName   = "gridmount"
)

// Config contains runtime configuration values for the filesystem.
type Config struct {
	MongoURI   string // Connection string for the document store (Default mongodb://127.0.0.1:27017)
	Database   string // Database name (Default "gridmount")
	Collection string // Collection prefix for metadata/files/chunks (Default "fs")

	ChunkSize      int // Content store chunk size in bytes (Default 255KB, the GridFS default)
	ConnectTimeout int // Mongo connect deadline in seconds (Default 10)

	// Low-level FUSE config (defaults are fine unless you know better):

	AttrTimeout  float64 // Attribute cache timeout in seconds (Default 10.0)
	EntryTimeout float64 // Directory entry cache timeout in seconds (Default 10.0)
	MountOptions MountOptions
}

// ConfigOverride uses pointer fields to distinguish between unset and zero
// values when loading partial configuration. See [Config] for field
// descriptions.
type ConfigOverride struct {
	MongoURI       *string  `yaml:"mongo_uri,omitempty"       json:"mongo_uri,omitempty"`
	Database       *string  `yaml:"database,omitempty"        json:"database,omitempty"`
	Collection     *string  `yaml:"collection,omitempty"      json:"collection,omitempty"`
	ChunkSize      *int     `yaml:"chunk_size,omitempty"      json:"chunk_size,omitempty"`
	ConnectTimeout *int     `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	AttrTimeout    *float64 `yaml:"attr_timeout,omitempty"    json:"attr_timeout,omitempty"`
	EntryTimeout   *float64 `yaml:"entry_timeout,omitempty"   json:"entry_timeout,omitempty"`
	FsName         *string  `yaml:"fs_name,omitempty"         json:"fs_name,omitempty"`
	Name           *string  `yaml:"name,omitempty"            json:"name,omitempty"`
	Debug          *bool    `yaml:"debug,omitempty"           json:"debug,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MongoURI:       DefaultMongoURI,
		Database:       DefaultDatabase,
		Collection:     DefaultCollection,
		ChunkSize:      DefaultChunkSize,
		ConnectTimeout: DefaultConnectTimeout,
		AttrTimeout:    DefaultAttrTimeout,
		EntryTimeout:   DefaultEntryTimeout,
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
	}
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.MongoURI != nil {
		c.MongoURI = *override.MongoURI
	}
	if override.Database != nil {
		c.Database = *override.Database
	}
	if override.Collection != nil {
		c.Collection = *override.Collection
	}
	if override.ChunkSize != nil {
		c.ChunkSize = *override.ChunkSize
	}
	if override.ConnectTimeout != nil {
		c.ConnectTimeout = *override.ConnectTimeout
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
	if override.FsName != nil {
		c.MountOptions.FsName = *override.FsName
	}
	if override.Name != nil {
		c.MountOptions.Name = *override.Name
	}
	if override.Debug != nil {
		c.MountOptions.Debug = *override.Debug
	}
}

// LoadConfigOverrideFile loads configuration overrides from a file without
// merging. Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with
// defaults. This is a convenience function that combines NewDefaultConfig,
// LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
