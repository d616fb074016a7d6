package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// startPostgresContainer runs a throwaway postgres:16-alpine through the
// Docker CLI on a port Docker picks, and returns its URL and a cleanup.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=camcops",
		"-e", "POSTGRES_PASSWORD=camcops",
		"-e", "POSTGRES_DB=camcopstest",
		"postgres:16-alpine",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	cleanup := func() { exec.Command("docker", "stop", id).Run() }

	// "docker port" prints e.g. "127.0.0.1:49153".
	out, err = exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("docker port: %w", err)
	}
	addr, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")

	url := fmt.Sprintf("postgres://camcops:camcops@%s/camcopstest?sslmode=disable", addr)
	if err := waitForPostgres(ctx, url, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return url, cleanup, nil
}

// waitForPostgres polls until the server answers a query. The image
// restarts postgres once during initialisation, so one good ping is not
// enough: two in a row are required.
func waitForPostgres(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok := 0
	for ok < 2 {
		if err := ping(ctx, url); err != nil {
			ok = 0
		} else {
			ok++
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v", timeout)
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}
