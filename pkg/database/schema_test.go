package database

import "testing"

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	validator := NewSchemaValidator(openTestDB(t))

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := validator.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db, nil).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	validator := NewSchemaValidator(db)
	if err := validator.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist: %v", err)
	}
	if err := validator.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure: %v", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes: %v", err)
	}
	if err := validator.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Errorf("constraint validation left %d rows behind", count)
	}
}

func TestSchemaValidator_DetectsWrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE sessions (id TEXT, room_id TEXT, status INTEGER);
		CREATE TABLE messages (id TEXT);
	`)
	if err != nil {
		t.Fatalf("create tables: %v", err)
	}

	if err := NewSchemaValidator(db).ValidateTableStructure(); err == nil {
		t.Error("expected structure validation to fail")
	}
}
