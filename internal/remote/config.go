package remote

import (
	"fmt"
	"os"
	"time"
)

const (
	TypeMemory = "memory"
	TypeMongo  = "mongo"
	TypeREST   = "rest"
)

// Config selects the hosted document database.
type Config struct {
	Type         string      `yaml:"type"`
	MaxBatchSize int         `yaml:"max_batch_size"`
	Mongo        MongoConfig `yaml:"mongo"`
	REST         RESTConfig  `yaml:"rest"`
	// RewatchDelay is the pause before a dropped listener is reopened.
	RewatchDelay time.Duration `yaml:"rewatch_delay"`
}

type MongoConfig struct {
	URI                 string        `yaml:"uri"`
	DatabaseName        string        `yaml:"database_name"`
	Collection          string        `yaml:"collection"`
	SoftDeleteRetention time.Duration `yaml:"soft_delete_retention"`
}

type RESTConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Database     string        `yaml:"database"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		Type:         TypeMongo,
		MaxBatchSize: 500,
		RewatchDelay: time.Second,
		Mongo: MongoConfig{
			URI:                 "mongodb://localhost:27017",
			DatabaseName:        "medsync",
			Collection:          "documents",
			SoftDeleteRetention: 7 * 24 * time.Hour,
		},
		REST: RESTConfig{
			Database:     "default",
			PollInterval: 5 * time.Second,
		},
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Type == "" {
		c.Type = d.Type
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.RewatchDelay <= 0 {
		c.RewatchDelay = d.RewatchDelay
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = d.Mongo.URI
	}
	if c.Mongo.DatabaseName == "" {
		c.Mongo.DatabaseName = d.Mongo.DatabaseName
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = d.Mongo.Collection
	}
	if c.Mongo.SoftDeleteRetention <= 0 {
		c.Mongo.SoftDeleteRetention = d.Mongo.SoftDeleteRetention
	}
	if c.REST.Database == "" {
		c.REST.Database = d.REST.Database
	}
	if c.REST.PollInterval <= 0 {
		c.REST.PollInterval = d.REST.PollInterval
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MEDSYNC_REMOTE_TYPE"); val != "" {
		c.Type = val
	}
	if val := os.Getenv("MONGO_URI"); val != "" {
		c.Mongo.URI = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Mongo.DatabaseName = val
	}
	if val := os.Getenv("MEDSYNC_REMOTE_URL"); val != "" {
		c.REST.BaseURL = val
	}
	if val := os.Getenv("MEDSYNC_REMOTE_DATABASE"); val != "" {
		c.REST.Database = val
	}
	if val := os.Getenv("MEDSYNC_REMOTE_TOKEN"); val != "" {
		c.REST.Token = val
	}
}

func (c *Config) ResolvePaths(_, _ string) {}

func (c *Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("remote.max_batch_size must be positive")
	}
	switch c.Type {
	case TypeMemory:
	case TypeMongo:
		if c.Mongo.URI == "" || c.Mongo.DatabaseName == "" || c.Mongo.Collection == "" {
			return fmt.Errorf("remote.mongo requires uri, database_name and collection")
		}
	case TypeREST:
		if c.REST.BaseURL == "" {
			return fmt.Errorf("remote.rest.base_url is required")
		}
	default:
		return fmt.Errorf("remote.type %q is not one of memory, mongo, rest", c.Type)
	}
	return nil
}
