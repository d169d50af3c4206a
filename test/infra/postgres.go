package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Credentials names the role and database the stress run connects as. The
// container and the local fallback share one set so DSNs look the same.
type Credentials struct {
	User     string
	Password string
	Database string
}

// StressCredentials is used for both the testcontainer and a local server.
var StressCredentials = Credentials{User: "arbiter", Password: "arbiter", Database: "arbiter_stress"}

// DSN renders a connection string for host:port.
func (c Credentials) DSN(hostPort string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     hostPort,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 returns a DSN for the stress run. overrideDSN and then
// STRESS_TEST_PG_DSN are used as is; otherwise a postgres:16 container is
// started with StressCredentials.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	creds := StressCredentials
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase(creds.Database),
		postgres.WithUsername(creds.User),
		postgres.WithPassword(creds.Password),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run postgres container: %w", err)
	}
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

const localHostPort = "127.0.0.1:5432"

// InitLocalDatabase recreates the stress database on a PostgreSQL listening on
// localhost, for machines without Docker. It needs a superuser login reachable
// through one of the usual default DSNs.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run(); err != nil {
		return "", fmt.Errorf("local postgres not ready: %w", err)
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	creds := StressCredentials
	role := pgx.Identifier{creds.User}.Sanitize()
	database := pgx.Identifier{creds.Database}.Sanitize()

	// CREATE ROLE takes no bind parameters, so the password is quoted by the server.
	var password string
	if err := admin.QueryRow(ctx, "SELECT quote_literal($1)", creds.Password).Scan(&password); err != nil {
		return "", fmt.Errorf("quote password: %w", err)
	}
	stmts := []string{
		fmt.Sprintf("DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD %s; EXCEPTION WHEN duplicate_object THEN NULL; END $$", role, password),
		fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", role, password),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare role %s: %w", creds.User, err)
		}
	}

	_, _ = admin.Exec(ctx, "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", creds.Database)
	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+database); err != nil {
		return "", fmt.Errorf("drop %s: %w", creds.Database, err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", database, role)); err != nil {
		return "", fmt.Errorf("create %s: %w", creds.Database, err)
	}
	return creds.DSN(localHostPort), nil
}

func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	user := os.Getenv("USER")
	candidates := []string{
		"postgres://postgres@" + localHostPort + "/postgres?sslmode=disable",
		"postgres://postgres:postgres@" + localHostPort + "/postgres?sslmode=disable",
		"postgres://" + user + "@" + localHostPort + "/postgres?sslmode=disable",
		"postgres://" + user + ":postgres@" + localHostPort + "/postgres?sslmode=disable",
	}
	var lastErr error
	for _, dsn := range candidates {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect as local superuser: %w", lastErr)
}
