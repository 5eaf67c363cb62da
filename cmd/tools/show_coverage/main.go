package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"beefy-importer/internal/repository"
)

// Prints per-key import coverage: covered spans, total blocks/ms covered,
// pending retries and the last time a result landed.
func main() {
	prefix := flag.String("prefix", "", "only show keys with this prefix")
	showRanges := flag.Bool("ranges", false, "print the raw covered/retry ranges too")
	flag.Parse()

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}

	ctx := context.Background()
	repo, err := repository.NewRepository(ctx, dbURL, zerolog.Nop())
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()

	states, err := repo.ListImportStates(ctx)
	if err != nil {
		log.Fatalf("Failed to list import states: %v", err)
	}

	shown := 0
	for _, st := range states {
		if *prefix != "" && !strings.HasPrefix(st.ImportKey, *prefix) {
			continue
		}
		shown++

		alg := st.Data.RangeAlgebra()
		ir := st.Data.ImportRanges()
		fmt.Printf("%-40s spans=%-4d covered=%-12d retries=%-3d last=%s\n",
			st.ImportKey, len(ir.Covered), alg.TotalSpan(ir.Covered), len(ir.ToRetry),
			ir.LastImportDate.Format("2006-01-02 15:04:05"))

		if *showRanges {
			for _, r := range ir.Covered {
				fmt.Printf("    covered [%d, %d]\n", r.From, r.To)
			}
			for _, r := range ir.ToRetry {
				fmt.Printf("    retry   [%d, %d]\n", r.From, r.To)
			}
		}
	}

	if shown == 0 {
		fmt.Println("No matching import states found.")
	}
}
