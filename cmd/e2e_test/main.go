// Command e2e_test exercises the full pipeline against a live embedding
// server: index a folder, wait for the scan to drain, retrieve, and print
// the results as JSON. Not a go test; run it by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brunobiangulo/localdocs"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: e2e_test <folder> <query>")
		os.Exit(1)
	}
	folder, query := os.Args[1], os.Args[2]

	tmpDir, _ := os.MkdirTemp("", "localdocs-e2e-*")
	defer os.RemoveAll(tmpDir)

	cfg := localdocs.DefaultConfig()
	cfg.StorageRoot = tmpDir
	if v := os.Getenv("LOCALDOCS_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("LOCALDOCS_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	db, err := localdocs.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "starting database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n=== INDEXING %s ===\n", folder)
	if err := db.AddFolder(ctx, "e2e", folder, cfg.Embedding.Model); err != nil {
		fmt.Fprintf(os.Stderr, "add folder error: %v\n", err)
		os.Exit(1)
	}

	for {
		sts, err := db.Status(ctx, "e2e")
		if err != nil {
			fmt.Fprintf(os.Stderr, "status error: %v\n", err)
			os.Exit(1)
		}
		busy := false
		for _, st := range sts {
			if st.Error != "" {
				fmt.Fprintf(os.Stderr, "indexing halted: %s\n", st.Error)
				os.Exit(1)
			}
			if st.Indexing {
				busy = true
			}
			fmt.Fprintf(os.Stderr, "docs=%d/%d embeddings=%d/%d\n",
				st.TotalDocsToIndex-st.CurrentDocsToIndex, st.TotalDocsToIndex,
				st.TotalEmbeddings-st.CurrentEmbeddings, st.TotalEmbeddings)
		}
		if !busy {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "timed out waiting for indexing")
			os.Exit(1)
		case <-time.After(time.Second):
		}
	}

	fmt.Fprintf(os.Stderr, "\n=== RETRIEVING: %s ===\n", query)
	results, err := db.Retrieve(ctx, []string{"e2e"}, query, 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retrieve error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
}
