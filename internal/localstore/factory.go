package localstore

import (
	"fmt"
	"log/slog"
)

// Open builds the store described by cfg, wrapped in a SealedStore when a
// passphrase is configured.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Type {
	case TypeMemory:
		st = NewMemoryStore()
	case TypePebble:
		st, err = OpenPebble(cfg.Path, logger)
	case TypeSQLite:
		st, err = OpenSQLite(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported localstore type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Passphrase == "" {
		return st, nil
	}
	sealed, err := NewSealed(st, cfg.Passphrase)
	if err != nil {
		st.Close()
		return nil, err
	}
	return sealed, nil
}
