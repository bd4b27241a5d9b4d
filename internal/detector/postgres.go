package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultTimeout = 2 * time.Second

// PostgresDetector reports true only when a PostgreSQL server accepts our
// credentials and answers a query. A foreign listener on the port does not count.
type PostgresDetector struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// ConnString renders the detector target as a postgres URL.
func (d PostgresDetector) ConnString() string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	db := d.Database
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(d.Port)),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	return u.String()
}

// ServerVersion connects and returns the server_version setting.
func (d PostgresDetector) ServerVersion(ctx context.Context) (string, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgx.ParseConfig(d.ConnString())
	if err != nil {
		return "", err
	}
	cfg.ConnectTimeout = timeout
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	var version string
	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

// Detect returns (false, nil) when nothing listens and (false, err) when a
// PostgreSQL server answered but rejected the connection.
func (d PostgresDetector) Detect(ctx context.Context) (bool, error) {
	_, err := d.ServerVersion(ctx)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false, fmt.Errorf("postgres on port %d rejected connection: %w", d.Port, err)
	}
	return false, nil
}

func (d PostgresDetector) Describe() string { return "postgres:" + strconv.Itoa(d.Port) }
