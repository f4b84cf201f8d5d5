package main

import (
	"chat-dm/auth"
	"chat-dm/errors"
	"chat-dm/repositories"
	goerrors "errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

type Config struct {
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	JWTSecret         string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
}

var defaultUsers = []auth.RegisterRequest{
	{Name: "Test User", Email: "test@example.com"},
	{Name: "Alice Martin", Email: "alice@example.com"},
	{Name: "Bob Durand", Email: "bob@example.com"},
	{Name: "Carol Petit", Email: "carol@example.com"},
}

// seed creates demo users and prints a bearer token for each of them.
// The server must be stopped: badger allows one writer process.
func main() {
	name := flag.String("name", "", "Create a single user with this name")
	email := flag.String("email", "", "Email of the single user")
	flag.Parse()

	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	users, err := repositories.NewUserRepository(db, logger)
	if err != nil {
		log.Fatalf("Failed to open user directory: %v", err)
	}
	defer users.Close()
	tokens := auth.NewTokens(config.JWTSecret, config.AuthTokenDuration)

	requests := defaultUsers
	if *name != "" || *email != "" {
		requests = []auth.RegisterRequest{{Name: *name, Email: *email}}
	}

	for _, req := range requests {
		if err := auth.ValidateRegister(req); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %q: %v\n", req.Email, err)
			continue
		}
		user, err := users.CreateUser(req.Name, req.Email)
		if goerrors.Is(err, errors.ErrUserAlreadyExists) {
			fmt.Printf("%-20s already exists\n", req.Email)
			continue
		}
		if err != nil {
			log.Fatalf("Failed to create %s: %v", req.Email, err)
		}
		token, err := tokens.GenerateToken(user.ID)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Printf("%-20s id=%d token=%s\n", user.Email, user.ID, token)
	}
}
