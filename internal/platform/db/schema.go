package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema rejects schema names that are not plain identifiers. Schema
// names are interpolated into SQL, so this check is mandatory.
func ValidateSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return fmt.Errorf("invalid schema identifier: %q", schema)
	}
	return nil
}

// SearchPath returns the search_path value for schema.
func SearchPath(schema string) string {
	return fmt.Sprintf("%s, public", schema)
}

// AcquireScoped acquires a connection with search_path set to schema. The
// caller must Release it.
func AcquireScoped(ctx context.Context, pool *pgxpool.Pool, schema string) (*pgxpool.Conn, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SET search_path TO "+SearchPath(schema)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("set search_path %s: %w", schema, err)
	}
	return conn, nil
}

// EnsureSchema creates schema if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}
