// seed creates the first admin account. Idempotent: an existing user with
// the same email is left untouched.
//
//	SEED_ADMIN_PASSWORD='...' go run ./cmd/seed -email admin@example.com -username site_admin
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"authsession/internal/config"
	"authsession/internal/db"
	"authsession/internal/log"
	"authsession/internal/security"
	userdomain "authsession/internal/user/domain"
)

func main() {
	email := flag.String("email", "admin@example.com", "admin email")
	username := flag.String("username", "site_admin", "admin username")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.SetLevel(cfg.LogLevel)

	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if password == "" {
		log.Fatal().Msg("SEED_ADMIN_PASSWORD is not set")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	hash, err := security.NewPasswordHasher(cfg.BcryptCost).Hash(password)
	if err != nil {
		log.Fatal().Err(err).Msg("hash password")
	}
	now := time.Now().UTC()
	admin := &userdomain.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(*email)),
		Username:     strings.TrimSpace(*username),
		PasswordHash: hash,
		Role:         security.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := admin.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid admin")
	}

	created := false
	err = db.NewPostgresTxRunner(pool).WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		existing, err := tx.Users().GetByEmail(ctx, admin.Email)
		if err != nil || existing != nil {
			return err
		}
		created = true
		return tx.Users().Create(ctx, admin)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("seed admin")
	}
	if !created {
		log.Logger().Info().Str("email", admin.Email).Msg("admin already exists, skipping")
		return
	}
	log.Logger().Info().Str("email", admin.Email).Str("user_id", admin.ID).Msg("admin created")
}
