// Package mariadb administers the shared MariaDB server that hosts user databases.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MaxIdentifierLength bounds database and user names.
const MaxIdentifierLength = 32

const (
	errDatabaseExists   = 1007
	errCreateUserFailed = 1396
)

var (
	// ErrExists is returned when a database or user with the name is already present.
	ErrExists = errors.New("mariadb: object already exists")
	// ErrInvalidIdentifier rejects names outside [A-Za-z0-9_].
	ErrInvalidIdentifier = errors.New("mariadb: invalid identifier")

	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Server issues administrative statements with an account allowed to create
// databases and users.
type Server struct {
	db *sql.DB
}

// Open connects to the server described by dsn.
func Open(ctx context.Context, dsn string) (*Server, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mariadb dsn: %w", err)
	}
	// CREATE USER cannot take a server-side placeholder for the password.
	cfg.InterpolateParams = true
	cfg.DBName = ""
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure mariadb connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Server{db: db}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Server) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mariadb: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Server) Close() error {
	return s.db.Close()
}

// CreateDatabase creates name with the utf8mb4 character set.
func (s *Server) CreateDatabase(ctx context.Context, name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", name)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return mapError("create database "+name, err)
	}
	return nil
}

// CreateUser creates a user reachable from any host.
func (s *Server) CreateUser(ctx context.Context, username, password string) error {
	if err := ValidateIdentifier(username); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY ?", username)
	if _, err := s.db.ExecContext(ctx, stmt, password); err != nil {
		return mapError("create user "+username, err)
	}
	return nil
}

// GrantAll gives username every privilege on database.
func (s *Server) GrantAll(ctx context.Context, database, username string) error {
	if err := ValidateIdentifier(database); err != nil {
		return err
	}
	if err := ValidateIdentifier(username); err != nil {
		return err
	}
	stmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", database, username)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return mapError("grant "+username, err)
	}
	if _, err := s.db.ExecContext(ctx, "FLUSH PRIVILEGES"); err != nil {
		return mapError("flush privileges", err)
	}
	return nil
}

// SetPassword changes the password of an existing user.
func (s *Server) SetPassword(ctx context.Context, username, password string) error {
	if err := ValidateIdentifier(username); err != nil {
		return err
	}
	stmt := fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY ?", username)
	if _, err := s.db.ExecContext(ctx, stmt, password); err != nil {
		return mapError("set password "+username, err)
	}
	return nil
}

// DropDatabase removes name. A missing database is not an error.
func (s *Server) DropDatabase(ctx context.Context, name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
		return mapError("drop database "+name, err)
	}
	return nil
}

// DropUser removes username. A missing user is not an error.
func (s *Server) DropUser(ctx context.Context, username string) error {
	if err := ValidateIdentifier(username); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", username)); err != nil {
		return mapError("drop user "+username, err)
	}
	return nil
}

// DatabaseExists reports whether name is present on the server.
func (s *Server) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", name).Scan(&count)
	if err != nil {
		return false, mapError("lookup database "+name, err)
	}
	return count > 0, nil
}

// UserExists reports whether username is present on the server.
func (s *Server) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mysql.user WHERE User = ?", username).Scan(&count)
	if err != nil {
		return false, mapError("lookup user "+username, err)
	}
	return count > 0, nil
}

// ValidateIdentifier accepts names usable unquoted in generated statements.
func ValidateIdentifier(name string) error {
	if name == "" || len(name) > MaxIdentifierLength || !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func mapError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDatabaseExists, errCreateUserFailed:
			return fmt.Errorf("%s: %w: %w", op, ErrExists, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
