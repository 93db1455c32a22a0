package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against the structure the
// session store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session records",
		"messages":          "Chat messages",
		"attentions":        "Attention write-back",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
// TECHNICAL DISCOVERY: go-sqlite3 only parses time values back into
// time.Time for DATETIME/TIMESTAMP declared columns.
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":                             "TEXT",
		"room_id":                        "TEXT",
		"status":                         "TEXT",
		"type":                           "TEXT",
		"scheduled_at":                   "DATETIME",
		"started_at":                     "DATETIME",
		"ended_at":                       "DATETIME",
		"duration":                       "INTEGER",
		"last_activity_at":               "DATETIME",
		"connected_users":                "TEXT",
		"access_key_hash":                "TEXT",
		"access_key_validation_attempts": "INTEGER",
		"access_key_locked_until":        "DATETIME",
		"active":                         "BOOLEAN",
		"available":                      "BOOLEAN",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"id":          "TEXT",
		"session_id":  "TEXT",
		"sender_id":   "TEXT",
		"sender_type": "TEXT",
		"message":     "TEXT",
		"attachments": "TEXT",
		"timestamp":   "DATETIME",
		"read":        "BOOLEAN",
		"read_at":     "DATETIME",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all query indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status":          "Status scans for jobs and stats",
		"idx_sessions_commerce_status": "Per-commerce listings",
		"idx_sessions_doctor":          "Doctor listings",
		"idx_sessions_client":          "Client listings",
		"idx_sessions_scheduled":       "Upcoming access-key batch",
		"idx_messages_session_time":    "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that check and foreign key constraints are
// enforced. It leaves no rows behind.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, sender_id, sender_type, message, timestamp)
		VALUES ('constraint-check', 'nonexistent', 'u1', 'client', 'x', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.session_id")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, room_id, commerce_id, client_id, doctor_id, type, status,
			scheduled_at, created_at, updated_at)
		VALUES ('constraint-check', 'constraint-room', 'c', 'cl', 'd', 'VIDEO', 'PAUSED',
			CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: session status")
	}

	return nil
}

// exists checks sqlite_master for an object of the given kind
func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
