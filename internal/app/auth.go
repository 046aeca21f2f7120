package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"
)

const (
	RoleStaff    = "staff"
	RoleApprover = "approver"
)

type Auth struct {
	enabled     bool
	redis       *redis.Client
	keyTemplate string
	tokenHeader string
}

func NewAuth(config *Config) (*Auth, error) {
	if !config.Server.EnableAuth {
		return &Auth{enabled: false, tokenHeader: config.Auth.TokenHeader}, nil
	}

	opt, err := redis.ParseURL(config.Auth.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Auth{
		enabled:     true,
		redis:       client,
		keyTemplate: config.Auth.TokenKeyTemplate,
		tokenHeader: config.Auth.TokenHeader,
	}, nil
}

func (a *Auth) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *Auth) key(staff string) string {
	return strings.NewReplacer("{staff}", staff).Replace(a.keyTemplate)
}

// ValidateToken checks the bearer token of a staff member and returns their role.
// With auth disabled everyone is an approver.
func (a *Auth) ValidateToken(ctx context.Context, staff, token string) (string, error) {
	if !a.enabled {
		return RoleApprover, nil
	}

	key := a.key(staff)
	fields, err := a.redis.HGetAll(ctx, key).Result()
	if err == redis.Nil || (err == nil && len(fields) == 0) {
		logger.Debug.Printf("Token not found for key: %s", key)
		return "", fmt.Errorf("token not found")
	}
	if err != nil {
		logger.Debug.Printf("Redis error: %v", err)
		return "", fmt.Errorf("redis error: %w", err)
	}

	if fields["token"] != token {
		logger.Debug.Printf("Token mismatch for staff %s and what's found in %s", staff, key)
		return "", fmt.Errorf("invalid token")
	}

	role := fields["role"]
	if role == "" {
		role = RoleStaff
	}
	return role, nil
}
