package storage

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Supported storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// Open returns the Store for the configured driver.
func Open(driver, path string, logger zerolog.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path, logger)
	case DriverJSON:
		return NewJSONStore(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
