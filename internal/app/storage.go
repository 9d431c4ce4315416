package app

import (
	"github.com/dinoproject/dinocache/internal/cachestore"
	"github.com/dinoproject/dinocache/internal/conf"
	datastore "github.com/dinoproject/dinocache/internal/datastore/v2"
	"github.com/dinoproject/dinocache/internal/datastore/v2/repository"
	"github.com/dinoproject/dinocache/internal/logger"
)

// Storage is the cache store plus, for database backends, the persisted
// worker state.
type Storage struct {
	Store cachestore.Store
	// States is nil for the memory backend.
	States *datastore.StateManager
	db     *datastore.Manager
}

// OpenStorage opens the backend selected by cache.backend and migrates its
// schema.
func OpenStorage(s *conf.Settings, log logger.Logger) (*Storage, error) {
	if s.Cache.Backend == conf.BackendMemory {
		log.Info("using in-memory cache store, nothing survives a restart")
		return &Storage{Store: cachestore.NewMemoryStore()}, nil
	}

	cfg := datastore.Config{Path: s.Database.Path, MySQLDSN: s.Database.MySQLDSN}
	var (
		db  *datastore.Manager
		err error
	)
	if s.Cache.Backend == conf.BackendMySQL {
		db, err = datastore.NewMySQLManager(cfg)
	} else {
		db, err = datastore.NewSQLiteManager(cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("cache store opened",
		logger.String("dialect", db.Dialect()),
		logger.String("location", db.Location()))

	return &Storage{
		Store:  cachestore.NewSQLStore(repository.NewCacheRepository(db.DB())),
		States: datastore.NewStateManager(db.DB()),
		db:     db,
	}, nil
}

// Close releases the database connection, if any.
func (st *Storage) Close() error {
	return st.db.Close()
}
