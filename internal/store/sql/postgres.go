package sql

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/oneidp/oneidp/internal/store"
)

// PostgresConfig names the connection parameters for OpenPostgres.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

func (c PostgresConfig) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// OpenPostgres opens a PostgreSQL-backed Store, running migrations
// before returning.
func OpenPostgres(cfg PostgresConfig, logger logrus.FieldLogger) (store.Store, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, err
	}

	c := &conn{db: db, flavor: flavorPostgres, logger: logger}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}
