package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/workspace-auth/internal/infra/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.PostgresSettings{
		Host:     "db.internal",
		Port:     5433,
		User:     "auth",
		Password: "p@ss/w:rd",
		Database: "workspace",
		SSLMode:  "require",
	})

	parsed, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("dsn %q did not parse: %v", dsn, err)
	}
	conn := parsed.ConnConfig
	if conn.Password != "p@ss/w:rd" {
		t.Fatalf("password not preserved, got %q", conn.Password)
	}
	if conn.Host != "db.internal" || conn.Port != 5433 || conn.Database != "workspace" {
		t.Fatalf("unexpected connection target %s:%d/%s", conn.Host, conn.Port, conn.Database)
	}
}

func TestDSNDefaultsSSLMode(t *testing.T) {
	dsn := DSN(config.PostgresSettings{Host: "localhost", Port: 5432, User: "auth", Database: "workspace"})
	if want := "postgres://auth:@localhost:5432/workspace?sslmode=disable"; dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}
}
