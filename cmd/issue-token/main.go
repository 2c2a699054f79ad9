package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/gymbook/session-booking/internal/auth"
	"github.com/gymbook/session-booking/internal/config"
)

// Mints a development bearer token for a user ID and role, standing in for
// the external identity provider.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	userFlag := flag.String("user", "", "user UUID (random when empty)")
	roleFlag := flag.String("role", auth.RoleClient, "role: client, trainer, or admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	userID := uuid.New()
	if *userFlag != "" {
		userID, err = uuid.Parse(*userFlag)
		if err != nil {
			log.Fatalf("invalid user id: %v", err)
		}
	}

	switch *roleFlag {
	case auth.RoleClient, auth.RoleTrainer, auth.RoleAdmin:
	default:
		log.Fatalf("unknown role %q", *roleFlag)
	}

	token, err := auth.GenerateToken(userID, *roleFlag, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	fmt.Printf("user_id=%s role=%s\n%s\n", userID, *roleFlag, token)
}
