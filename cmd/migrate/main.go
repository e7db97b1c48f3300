package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"harborbank.org/internal/migrate"
	"harborbank.org/internal/obs"
)

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	var (
		dsn = flag.String("dsn", os.Getenv("HARBOR_PG_DSN"), "PostgreSQL DSN")
		dir = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or HARBOR_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	var files fs.FS = migrate.Files()
	if *dir != "" {
		files = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, files)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			log.Fatal("migrate up", zap.Strings("applied", applied), zap.Error(err))
		}
		log.Info("migrations applied", zap.Strings("applied", applied))
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			log.Fatal("migrate down", zap.Error(err))
		}
		log.Info("migration rolled back", zap.String("name", name))
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
