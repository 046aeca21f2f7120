package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

const (
	timeFormat      = "2006-01-02 15:04:05"
	authKeyTpl      = "auth:%s"     // auth:${staff}
	lookupKey       = "lookup:tg"   // telegram username -> staff
	approverChatTpl = "approver:%d" // approver:${chatID}
	approverPrefix  = "approver:"
	tokenPrefix     = "sk-mkgt-"
)

type TokenManager struct {
	redis *redis.Client
}

func NewTokenManager(redis *redis.Client) *TokenManager {
	return &TokenManager{redis: redis}
}

func generateToken() (string, error) {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return tokenPrefix + hex.EncodeToString(randomBytes), nil
}

// FetchOrCreateStaffToken returns the token of a staff member, issuing one with the
// given role on first use. The bool reports whether the token is new.
func (tm *TokenManager) FetchOrCreateStaffToken(ctx context.Context, staff, role string) (*models.TokenInfo, bool, error) {
	key := fmt.Sprintf(authKeyTpl, staff)

	token, err := tm.redis.HGet(ctx, key, "token").Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("failed to check token: %w", err)
	}

	now := time.Now().UTC()
	isNewToken := false

	if err == redis.Nil {
		token, err = generateToken()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate token: %w", err)
		}

		pipe := tm.redis.Pipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"token":                 token,
			"role":                  role,
			"request_count":         1,
			"last_request_dttm_utc": now.Format(timeFormat),
			"created_dttm_utc":      now.Format(timeFormat),
		})

		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to create token: %w", err)
		}

		isNewToken = true
	} else {
		pipe := tm.redis.Pipeline()
		pipe.HIncrBy(ctx, key, "request_count", 1)
		pipe.HSet(ctx, key, "last_request_dttm_utc", now.Format(timeFormat))
		// roles are only ever promoted here
		if role == RoleApprover {
			pipe.HSet(ctx, key, "role", role)
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to update token stats: %w", err)
		}
	}

	values, err := tm.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get token info: %w", err)
	}

	lastReqTime, _ := time.Parse(timeFormat, values["last_request_dttm_utc"])
	createdTime, _ := time.Parse(timeFormat, values["created_dttm_utc"])
	reqCount, _ := strconv.Atoi(values["request_count"])

	return &models.TokenInfo{
		Staff:           staff,
		Token:           values["token"],
		Role:            values["role"],
		RequestCount:    reqCount,
		LastRequestTime: lastReqTime,
		CreatedTime:     createdTime,
	}, isNewToken, nil
}

func (tm *TokenManager) SaveStaffTelegramMapping(ctx context.Context, tgUsername, staff string) error {
	return tm.redis.HSet(ctx, lookupKey, tgUsername, staff).Err()
}

func (tm *TokenManager) FetchStaffByTelegram(ctx context.Context, tgUsername string) (string, error) {
	staff, err := tm.redis.HGet(ctx, lookupKey, tgUsername).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no staff mapping found for telegram user %s", tgUsername)
	}
	return staff, err
}

func (tm *TokenManager) AssociateApproverChat(ctx context.Context, chat *models.ApproverChat) error {
	key := fmt.Sprintf(approverChatTpl, chat.ChatID)
	return tm.redis.HSet(ctx, key, map[string]interface{}{
		"department":          chat.Department,
		"name":                chat.Name,
		"associated_dttm_utc": chat.AssociationTime.Format(timeFormat),
		"registered_by":       chat.RegisteredBy,
	}).Err()
}

func (tm *TokenManager) RemoveApproverChat(ctx context.Context, chatID int64) error {
	return tm.redis.Del(ctx, fmt.Sprintf(approverChatTpl, chatID)).Err()
}

func (tm *TokenManager) FetchApproverChat(ctx context.Context, chatID int64) (*models.ApproverChat, error) {
	key := fmt.Sprintf(approverChatTpl, chatID)

	values, err := tm.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approver chat %d: %w", chatID, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("chat %d is not an approver chat", chatID)
	}

	return approverChatFromHash(chatID, values), nil
}

func (tm *TokenManager) FetchApproverChats(ctx context.Context) ([]*models.ApproverChat, error) {
	// FIXME: scans are expensive
	iter := tm.redis.Scan(ctx, 0, approverPrefix+"*", 0).Iterator()

	var chats []*models.ApproverChat
	for iter.Next(ctx) {
		key := iter.Val()
		chatID, err := strconv.ParseInt(strings.TrimPrefix(key, approverPrefix), 10, 64)
		if err != nil {
			continue
		}

		values, err := tm.redis.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		chats = append(chats, approverChatFromHash(chatID, values))
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch approver chats: %w", err)
	}

	return chats, nil
}

func approverChatFromHash(chatID int64, values map[string]string) *models.ApproverChat {
	associationTime, _ := time.Parse(timeFormat, values["associated_dttm_utc"])
	registeredBy, _ := strconv.ParseInt(values["registered_by"], 10, 64)

	return &models.ApproverChat{
		ChatID:          chatID,
		Department:      values["department"],
		Name:            values["name"],
		AssociationTime: associationTime,
		RegisteredBy:    registeredBy,
	}
}

func (tm *TokenManager) Close() error {
	if tm.redis != nil {
		return tm.redis.Close()
	}
	return nil
}
