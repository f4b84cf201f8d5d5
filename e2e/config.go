package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// CHAT_ADDR is the base URL of a running node, e.g. http://localhost:8080
	ChatAddr  string `envconfig:"CHAT_ADDR"`
	JWTSecret string `envconfig:"JWT_SECRET"`
	// Ids of two seeded users (see cmd/seed)
	AliceID int64 `envconfig:"E2E_ALICE_ID" default:"2"`
	BobID   int64 `envconfig:"E2E_BOB_ID" default:"3"`
	// E2E_DEBUG_JSON allows dumping full request/response bodies
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
