package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Deletes import state rows so the next run re-plans them from scratch.
// Time series data is left alone: re-imports are idempotent upserts.
func main() {
	key := flag.String("key", "", "exact import key to reset (e.g. product:investment:42)")
	prefix := flag.String("prefix", "", "reset every key with this prefix (e.g. product:investment:)")
	dryRun := flag.Bool("dry-run", false, "print matching keys without deleting")
	flag.Parse()

	if *key == "" && *prefix == "" {
		log.Fatal("one of -key or -prefix is required")
	}

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	where := "import_key = $1"
	arg := *key
	if *prefix != "" {
		where = "import_key LIKE $1"
		arg = *prefix + "%"
	}

	rows, err := pool.Query(ctx, "SELECT import_key FROM import_state WHERE "+where+" ORDER BY import_key", arg)
	if err != nil {
		log.Fatalf("Failed to list import states: %v", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	if len(keys) == 0 {
		fmt.Println("No matching import states found.")
		return
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	if *dryRun {
		fmt.Printf("Dry run: %d state(s) would be deleted.\n", len(keys))
		return
	}

	cmdTag, err := pool.Exec(ctx, "DELETE FROM import_state WHERE "+where, arg)
	if err != nil {
		log.Fatalf("Failed to delete import states: %v", err)
	}
	fmt.Printf("Deleted %d import state(s). They will be re-planned from contract creation on the next run.\n", cmdTag.RowsAffected())
}
