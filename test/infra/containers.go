package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresName  = "escrowflow"
)

// Postgres is a disposable server started for a single stress run. A nil
// *Postgres stands for a database the harness does not own.
type Postgres struct {
	container *postgres.PostgresContainer
}

// StartPostgres runs a PostgreSQL 16 container and returns its DSN.
func StartPostgres(ctx context.Context) (*Postgres, string, error) {
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(postgresName),
		postgres.WithUsername(postgresName),
		postgres.WithPassword(postgresName),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", postgresImage, err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &Postgres{container: c}, dsn, nil
}

// Terminate stops the container. Borrowed databases are left alone.
func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
