package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultDatabase = "ohgo"

// ConnectToDB connects to MongoDB and returns the database named in the URI path.
func ConnectToDB(mongoURI string) (*mongo.Database, error) {
	uri, err := url.Parse(mongoURI)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}

	dbName := strings.TrimPrefix(uri.Path, "/")
	if dbName == "" {
		dbName = defaultDatabase
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	log.Infof("mongo connection established, database %s", dbName)
	return client.Database(dbName), nil
}

// Disconnect is for graceful shutdown
func Disconnect(db *mongo.Database) {
	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Client().Disconnect(ctx); err != nil {
		log.Warnf("mongo disconnect: %v", err)
	}
}
