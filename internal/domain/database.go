package domain

import "time"

// Database is the catalog record of a provisioned database on the shared server.
type Database struct {
	ID                int64
	OwnerLogin        string
	DatabaseName      string
	Username          string
	EncryptedPassword string
	ProjectID         *int64
	CreatedAt         time.Time
}

// DatabaseDetails is a database with its decrypted credentials and public endpoint.
type DatabaseDetails struct {
	Database
	Password string
	Host     string
	Port     int
}
