package main

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/clipdash/backend/crypto"
)

// setupTestDB creates a test database connection for migration tests
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ctx := context.Background()
	_, err = database.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS broadcaster_credentials (
			owner_id TEXT PRIMARY KEY,
			broadcaster_id TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			scopes TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		database.Close()
		t.Fatalf("failed to create broadcaster_credentials table: %v", err)
	}

	t.Cleanup(func() {
		_, _ = database.ExecContext(ctx, `DELETE FROM broadcaster_credentials WHERE owner_id LIKE 'test-%'`)
		database.Close()
	})

	return database
}

const testKey = "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcwo="

func insertPlaintextCredential(t *testing.T, db *sql.DB, ownerID, access, refresh string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO broadcaster_credentials (owner_id, broadcaster_id, access_token, refresh_token, scopes, encryption_version)
		 VALUES ($1, $2, $3, $4, 'clips:edit', 0)`,
		ownerID, "b-"+ownerID, access, refresh)
	if err != nil {
		t.Fatalf("failed to insert test credential: %v", err)
	}
}

// TestMigrateCredentials_DryRun tests migration in dry-run mode
func TestMigrateCredentials_DryRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	owner := "test-owner-dryrun"
	insertPlaintextCredential(t, db, owner, "test-access-token", "test-refresh-token")

	if err := migrateCredentials(ctx, db, encryptor, true, owner); err != nil {
		t.Fatalf("migrateCredentials(dry-run) failed: %v", err)
	}

	var storedAccess string
	var encVersion int
	err = db.QueryRowContext(ctx,
		`SELECT access_token, encryption_version FROM broadcaster_credentials WHERE owner_id = $1`,
		owner).Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("failed to query credential: %v", err)
	}

	if encVersion != 0 {
		t.Errorf("dry-run should not change encryption_version, got %d", encVersion)
	}
	if storedAccess != "test-access-token" {
		t.Errorf("dry-run should not change access_token, got %q", storedAccess)
	}
}

// TestMigrateCredentials_RealMigration tests actual credential migration
func TestMigrateCredentials_RealMigration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	owner := "test-owner-real"
	insertPlaintextCredential(t, db, owner, "test-access-token", "test-refresh-token")

	if err := migrateCredentials(ctx, db, encryptor, false, owner); err != nil {
		t.Fatalf("migrateCredentials failed: %v", err)
	}

	var storedAccess, storedRefresh string
	var encVersion int
	var encKeyID sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, encryption_version, encryption_key_id
		 FROM broadcaster_credentials WHERE owner_id = $1`,
		owner).Scan(&storedAccess, &storedRefresh, &encVersion, &encKeyID)
	if err != nil {
		t.Fatalf("failed to query credential: %v", err)
	}

	if encVersion != 1 {
		t.Fatalf("encryption_version = %d, want 1", encVersion)
	}
	if !encKeyID.Valid || encKeyID.String != "default" {
		t.Errorf("encryption_key_id = %v, want 'default'", encKeyID)
	}
	if storedAccess == "test-access-token" {
		t.Error("access token still stored in plaintext")
	}

	// Stored values must round-trip through the encryptor.
	access, err := crypto.DecryptString(encryptor, storedAccess)
	if err != nil {
		t.Fatalf("decrypt access token: %v", err)
	}
	if access != "test-access-token" {
		t.Errorf("decrypted access = %q, want original", access)
	}
	refresh, err := crypto.DecryptString(encryptor, storedRefresh)
	if err != nil {
		t.Fatalf("decrypt refresh token: %v", err)
	}
	if refresh != "test-refresh-token" {
		t.Errorf("decrypted refresh = %q, want original", refresh)
	}
}

// TestMigrateCredentials_SkipsEncrypted verifies already-encrypted rows are untouched
func TestMigrateCredentials_SkipsEncrypted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	owner := "test-owner-encrypted"
	already, err := crypto.EncryptString(encryptor, "already-encrypted")
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO broadcaster_credentials (owner_id, broadcaster_id, access_token, refresh_token, scopes, encryption_version, encryption_key_id)
		 VALUES ($1, $2, $3, '', 'clips:edit', 1, 'default')`,
		owner, "b-"+owner, already)
	if err != nil {
		t.Fatal(err)
	}

	if err := migrateCredentials(ctx, db, encryptor, false, owner); err != nil {
		t.Fatalf("migrateCredentials failed: %v", err)
	}

	var storedAccess string
	if err := db.QueryRowContext(ctx,
		`SELECT access_token FROM broadcaster_credentials WHERE owner_id = $1`,
		owner).Scan(&storedAccess); err != nil {
		t.Fatal(err)
	}
	if storedAccess != already {
		t.Error("encrypted credential was modified")
	}
}
