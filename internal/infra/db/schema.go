package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/scylla.cql
var scyllaSchema string

// Migrate applies the idempotent Postgres schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Migrate applies the idempotent Scylla schema in the session keyspace.
func (s *Scylla) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(scyllaSchema) {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla: migrate: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
