package main

import (
	"github.com/wfunc/vttserver/config"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/server"
)

func main() {
	logger.Init()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		logger.Log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	logger.Log.Info("Database connection successful.")

	srv, err := server.NewServer(cfg, store)
	if err != nil {
		logger.Log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}

func newStore(cfg *config.Config) (persistence.Store, error) {
	pg := cfg.Database.Postgres
	if cfg.Database.Driver == "raw" {
		return persistence.NewSQLStore(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
	}
	return persistence.NewGormStore(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
}
