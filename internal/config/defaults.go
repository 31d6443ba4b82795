package config

import "time"

func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: "~/.chatgate/chatgate.db",
		},
		Bot: BotConfig{
			Timeout: 30 * time.Second,
		},
		Webchat: WebchatConfig{
			PollTimeout:   30 * time.Second,
			IdleThreshold: 2 * time.Minute,
			IdleRetryWait: 15 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "chatgate:messages",
		},
		Janitor: JanitorConfig{
			Enabled:       true,
			Schedule:      "0 3 * * *",
			RetentionDays: 90,
		},
	}
}
