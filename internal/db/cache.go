package points

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Кэш баланса. Источник истины - журнал, кэш сбрасывается после каждой операции.
type CacheService struct {
	client *redis.Client
	ttl    time.Duration
}

var _ interf.CacheStorage = (*CacheService)(nil)

func NewCacheService() (serv *CacheService, err error) {
	// config
	addr := os.Getenv("POINTS_CACHE_URL")
	if addr == "" {
		return nil, fmt.Errorf("env POINTS_CACHE_URL is not set")
	}
	user := os.Getenv("POINTS_CACHE_USER")
	pwd := os.Getenv("POINTS_CACHE_PWD")
	ttl := 5 * time.Minute
	if raw := os.Getenv("POINTS_CACHE_TTL_SEC"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			ttl = time.Duration(sec) * time.Second
		}
	}
	// redis
	db := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    pwd,
		Username:    user,
		DB:          0,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})
	err = db.Ping(context.Background()).Err()
	if err != nil {
		return nil, err
	}

	return &CacheService{db, ttl}, nil
}

func balanceKey(account uuid.UUID) string {
	return "balance:" + account.String()
}

func (c *CacheService) GetBalance(ctx context.Context, account uuid.UUID) (points int64, err error) {
	val, err := c.client.Get(ctx, balanceKey(account)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("cached balance %w", model.ErrNotFound)
	} else if err != nil {
		return 0, err
	}

	points, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return points, nil
}

func (c *CacheService) SetBalance(ctx context.Context, account uuid.UUID, points int64) (err error) {
	return c.client.Set(ctx, balanceKey(account), points, c.ttl).Err()
}

func (c *CacheService) InvalidateBalance(ctx context.Context, account uuid.UUID) error {
	return c.client.Del(ctx, balanceKey(account)).Err()
}

func (c *CacheService) Close() error {
	return c.client.Close()
}
