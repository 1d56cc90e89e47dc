package main

import (
	"errors"
	"flag"
	"log"

	"forum_hierarchy/internal/pkg/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	dir := flag.String("path", "migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back one step instead of migrating up")
	force := flag.Int("force", -1, "force the schema version (clears the dirty flag) and exit")
	flag.Parse()

	config.LoadConfig()

	m, err := migrate.New("file://"+*dir, config.GlobalConfig.Database.URL())
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	if *force >= 0 {
		if err := m.Force(*force); err != nil {
			log.Fatal("Failed to force version:", err)
		}
		log.Printf("Forced version %d", *force)
		return
	}

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}

	var dirty migrate.ErrDirty
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migration to apply")
	case errors.As(err, &dirty):
		log.Fatalf("Database is dirty at version %d, fix it and rerun with -force %d", dirty.Version, dirty.Version-1)
	case err != nil:
		log.Fatal(err)
	default:
		version, _, _ := m.Version()
		log.Printf("Migration successful, version %d", version)
	}
}
