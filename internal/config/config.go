// Package config loads the service configuration file. The file carries the
// tracked broadcaster list and alert settings; credentials stay in the
// environment.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaName = "streamherald-config.schema.json"

const schemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["discord", "broadcasters"],
  "properties": {
    "target_category": {"type": "string"},
    "message_template": {"type": "string"},
    "thumbnail_width": {"type": "integer", "minimum": 1},
    "thumbnail_height": {"type": "integer", "minimum": 1},
    "discord": {
      "type": "object",
      "required": ["channel_id"],
      "properties": {
        "channel_id": {"type": "string", "minLength": 1},
        "guild_id": {"type": "string"},
        "role_id": {"type": "string"}
      }
    },
    "broadcasters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["login"],
        "properties": {
          "login": {"type": "string", "minLength": 1},
          "discord_user_id": {"type": "string"}
        }
      }
    }
  }
}`

type Discord struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	RoleID    string `json:"role_id"`
}

type Broadcaster struct {
	Login         string `json:"login"`
	DiscordUserID string `json:"discord_user_id"`
}

type Config struct {
	TargetCategory  string        `json:"target_category"`
	MessageTemplate string        `json:"message_template"`
	ThumbnailWidth  int           `json:"thumbnail_width"`
	ThumbnailHeight int           `json:"thumbnail_height"`
	Discord         Discord       `json:"discord"`
	Broadcasters    []Broadcaster `json:"broadcasters"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw JSON against the embedded schema and decodes it.
func Parse(raw []byte) (Config, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return Config{}, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaName, schemaDoc); err != nil {
		return Config{}, fmt.Errorf("register embedded schema: %w", err)
	}
	schema, err := compiler.Compile(schemaName)
	if err != nil {
		return Config{}, fmt.Errorf("compile embedded schema: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, fmt.Errorf("parse config json: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}

	cfg, err := decode(raw)
	if err != nil {
		return Config{}, err
	}
	seen := map[string]struct{}{}
	for i := range cfg.Broadcasters {
		login := strings.ToLower(strings.TrimSpace(cfg.Broadcasters[i].Login))
		cfg.Broadcasters[i].Login = login
		if _, dup := seen[login]; dup {
			return Config{}, fmt.Errorf("config validation: duplicate broadcaster login %q", login)
		}
		seen[login] = struct{}{}
	}
	return cfg, nil
}

func decode(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Logins returns the tracked broadcaster logins as a set.
func (c Config) Logins() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Broadcasters))
	for _, b := range c.Broadcasters {
		out[b.Login] = struct{}{}
	}
	return out
}

// Members maps broadcaster login to Discord user id, skipping unmapped entries.
func (c Config) Members() map[string]string {
	out := map[string]string{}
	for _, b := range c.Broadcasters {
		if strings.TrimSpace(b.DiscordUserID) != "" {
			out[b.Login] = b.DiscordUserID
		}
	}
	return out
}
