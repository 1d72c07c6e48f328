package db

import (
	"context"
	"testing"
)

func TestSQLiteRoundTrip(t *testing.T) {
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if d.DriverName() != "sqlite" {
		t.Fatalf("driver = %s", d.DriverName())
	}

	if err := d.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if err := d.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1"); err != nil {
		t.Fatal(err)
	}

	var v string
	if err := d.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "a").Scan(&v); err != nil || v != "1" {
		t.Fatalf("query row: (%s, %v)", v, err)
	}

	rows, err := d.Query(ctx, `SELECT k FROM kv ORDER BY k`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestSQLiteTransactions(t *testing.T) {
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}

	tx, err := d.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Exec(ctx, `INSERT INTO kv (k) VALUES (?)`, "rolled-back"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	tx, err = d.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Exec(ctx, `INSERT INTO kv (k) VALUES (?)`, "committed"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Rollback after commit must be a no-op.
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	var count int
	if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want only the committed row", count)
	}
}
