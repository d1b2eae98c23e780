package database

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// PingDB checks the SQL pool behind db.
func PingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// PingRedis checks the Redis connection.
func PingRedis(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// NATSStatus reports an error unless conn is currently connected.
func NATSStatus(conn *nats.Conn) func(ctx context.Context) error {
	return func(context.Context) error {
		if status := conn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats %s", status)
		}
		return nil
	}
}
