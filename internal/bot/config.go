package bot

import (
	"fmt"

	"github.com/shrimpsizemoose/markgate/internal/app"
)

// ReadConfig loads the shared config file and checks the [bot] section.
func ReadConfig(path string) (*app.Config, error) {
	cfg, err := app.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is not specified in config")
	}
	if len(cfg.Bot.AdminIDs) == 0 {
		return nil, fmt.Errorf("bot.admin_ids is empty, nobody could approve requests")
	}
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("redis.url is required for tokens and notifications")
	}
	if cfg.Redis.EventsChannel == "" {
		cfg.Redis.EventsChannel = "markgate:events"
	}

	return cfg, nil
}
