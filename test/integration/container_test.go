package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/docvault/internal/platform/db"
)

const defaultPostgresImage = "postgres:16-alpine"

// startPostgresContainer runs a throwaway Postgres through the Docker CLI and
// returns its connection string with a cleanup function. Docker picks the
// host port so parallel runs never collide.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("DOCVAULT_TEST_PG_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}
	name := fmt.Sprintf("docvault-integration-%d", time.Now().UnixNano())

	out, err := docker(ctx, "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=docvault",
		"-e", "POSTGRES_PASSWORD=docvault",
		"-e", "POSTGRES_DB=docvault",
		image,
	)
	if err != nil {
		return "", nil, err
	}
	id := out
	cleanup := func() { _, _ = docker(context.Background(), "rm", "-f", id) }

	hostPort, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	// "127.0.0.1:49153", possibly followed by an IPv6 line.
	hostPort = strings.SplitN(hostPort, "\n", 2)[0]

	connStr := fmt.Sprintf("postgres://docvault:docvault@%s/docvault?sslmode=disable", hostPort)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for postgres: %w", err)
	}
	return connStr, cleanup, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w\n%s", args[0], err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// waitForPostgres polls until the server answers a ping or timeout passes.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		pool, err := db.NewPool(ctx, connStr, 1, 0)
		if err == nil {
			pool.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}
