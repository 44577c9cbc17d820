// Command onboard writes tenant budget rows from a seed file into Postgres and
// prints a bearer token per tenant when JWT_SECRET is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"llm_router/internal/auth"
	"llm_router/internal/config"
	"llm_router/internal/storage"
)

func main() {
	seedFile := flag.String("budgets", "", "budget seed YAML file (defaults to BUDGETS_SEED_FILE)")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of the printed tenant tokens")
	flag.Parse()

	fmt.Println("LLM Router - Tenant Onboarding")

	// Load configuration (primarily for database connection)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	path := *seedFile
	if path == "" {
		path = cfg.Budgets.SeedFile
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "ERROR: pass -budgets or set BUDGETS_SEED_FILE\n")
		os.Exit(1)
	}
	if !cfg.Database.Enabled() {
		fmt.Fprintf(os.Stderr, "ERROR: DATABASE_URL must be set\n")
		os.Exit(1)
	}

	budgets, err := config.LoadBudgets(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	// Connect to database
	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	repo := db.NewBudgetRepository()
	tenants := make(map[string]bool)
	for _, b := range budgets {
		if err := repo.Upsert(ctx, b); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to upsert budget %s/%s: %v\n", b.TenantID, b.Period, err)
			os.Exit(1)
		}
		tenants[b.TenantID] = true
		fmt.Printf("  %-24s %-8s limit=%.2f enforce=%t\n", b.TenantID, b.Period, b.Limit, b.Enforce)
	}
	fmt.Printf("Onboarded %d budget rows for %d tenants\n", len(budgets), len(tenants))

	if len(cfg.JWTSecret) == 0 {
		return
	}

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println()
	fmt.Println("Tenant tokens:")
	for _, id := range ids {
		token, exp, err := auth.GenerateTenantJWT(id, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to sign token for %s: %v\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("  %s (expires %s)\n    %s\n", id, time.Unix(exp, 0).UTC().Format(time.RFC3339), token)
	}
}
