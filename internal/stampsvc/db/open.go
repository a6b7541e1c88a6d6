package db

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	mongodb "github.com/avvvet/ohgo-stamp-services/internal/db"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

// OpenStore connects the configured backend and prepares its indexes or schema.
// The returned func releases the connection.
func OpenStore(ctx context.Context, driver, mongoURI, postgresURL string) (store.Store, func(), error) {
	switch driver {
	case "mongo":
		database, err := mongodb.ConnectToDB(mongoURI)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewMongoStore(database)
		if err := s.EnsureIndexes(ctx); err != nil {
			mongodb.Disconnect(database)
			return nil, nil, err
		}
		return s, func() { mongodb.Disconnect(database) }, nil

	case "postgres":
		pool, err := Connect(postgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Printf("pg connection established successfully")
		s := store.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case "memory":
		log.Warn("using the in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}
