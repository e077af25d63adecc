// migrate applies or rolls back the embedded schema migrations.
//
//	go run ./cmd/migrate -direction up
//	go run ./cmd/migrate -version
package main

import (
	"flag"

	"authsession/internal/config"
	"authsession/internal/db/migrate"
	"authsession/internal/log"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	showVersion := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.SetLevel(cfg.LogLevel)

	if *showVersion {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("read schema version")
		}
		log.Logger().Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
		return
	}

	dir, err := migrate.ParseDirection(*direction)
	if err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}
	if err := migrate.Run(cfg.DatabaseURL, dir); err != nil {
		log.Fatal().Err(err).Str("direction", string(dir)).Msg("migrate")
	}
	log.Logger().Info().Str("direction", string(dir)).Msg("migrations applied")
}
