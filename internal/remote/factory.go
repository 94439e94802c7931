package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/medislot/medsync/internal/remote/memory"
	"github.com/medislot/medsync/internal/remote/mongo"
	"github.com/medislot/medsync/internal/remote/rest"
	"github.com/medislot/medsync/internal/remote/types"
)

// NewStore connects the backend described by cfg.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (types.Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return memory.New(cfg.MaxBatchSize), nil
	case TypeMongo:
		st, err := mongo.Connect(ctx, mongo.Options{
			URI:          cfg.Mongo.URI,
			DatabaseName: cfg.Mongo.DatabaseName,
			Collection:   cfg.Mongo.Collection,
			Retention:    cfg.Mongo.SoftDeleteRetention,
			MaxBatchSize: cfg.MaxBatchSize,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case TypeREST:
		st, err := rest.New(rest.Options{
			BaseURL:      cfg.REST.BaseURL,
			Database:     cfg.REST.Database,
			Token:        cfg.REST.Token,
			PollInterval: cfg.REST.PollInterval,
			MaxBatchSize: cfg.MaxBatchSize,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", cfg.Type)
	}
}
