// Command mktoken mints development credentials: a user JWT signed with the
// configured secret, or the SHA-256 hash of a bot token for seeding the bots
// table. It exists so the smoke scripts can talk to a locally running server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/auth"
	"github.com/Enclicainteractive/voltage-server/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Printf("mktoken: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the server config file")
	userID := flag.String("user", "", "user id to mint a JWT for")
	username := flag.String("username", "", "username claim (defaults to the user id)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	botToken := flag.String("bot-token", "", "print the SHA-256 hash of this bot token instead")
	flag.Parse()

	if *botToken != "" {
		fmt.Println(auth.HashToken(*botToken))
		return nil
	}

	if *userID == "" {
		return fmt.Errorf("either -user or -bot-token is required")
	}

	logger := zerolog.Nop()
	cfg, _, err := config.Load(&logger, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	name := *username
	if name == "" {
		name = *userID
	}

	token, err := auth.GenerateToken(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      *ttl,
	}, *userID, name)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	fmt.Println(token)
	return nil
}
