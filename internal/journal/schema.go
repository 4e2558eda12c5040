package journal

import (
	"database/sql"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/rs/zerolog"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS segments (
	       segment_id       TEXT PRIMARY KEY,
	       slot             INTEGER NOT NULL,
	       attempt          INTEGER NOT NULL CHECK (attempt > 0),
	       start_ms         INTEGER NOT NULL,
	       planned_ms       INTEGER NOT NULL CHECK (planned_ms >= 0),
	       observed_ms      INTEGER NOT NULL CHECK (observed_ms >= 0),
	       bytes            INTEGER NOT NULL CHECK (bytes >= 0),
	       status           TEXT NOT NULL CHECK (status IN ('finalized', 'failed')),
	       cause            TEXT NOT NULL,
	       partial          INTEGER NOT NULL CHECK (partial IN (0, 1)),
	       path             TEXT NOT NULL,
	       resolved_ms      INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS segments_resolved ON segments (resolved_ms);`

	insertSegmentSQL = `
    INSERT OR REPLACE INTO segments (
        segment_id, slot, attempt,
        start_ms, planned_ms, observed_ms,
        bytes, status, cause, partial, path,
        resolved_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT segment_id, slot, attempt,
        start_ms, planned_ms, observed_ms,
        bytes, status, cause, partial, path,
        resolved_ms
    FROM segments
    ORDER BY resolved_ms DESC, start_ms DESC
    LIMIT ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log zerolog.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating journal database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Journal schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for a new database
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
