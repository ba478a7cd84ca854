package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"productlab/internal/adapter/repo"
	"productlab/internal/infra"
)

func main() {
	_ = godotenv.Load()

	var (
		userFlag   string
		amountFlag int64
		reasonFlag string
	)
	flag.StringVar(&userFlag, "user", "", "user ID whose balance to show or top up")
	flag.Int64Var(&amountFlag, "grant", 0, "credits to add (omit to only print the balance)")
	flag.StringVar(&reasonFlag, "reason", "manual_grant", "reason stored on the ledger entry")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if amountFlag < 0 {
		exitWithError(errors.New("-grant must not be negative"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	ledger := repo.NewLedger(infra.NewSQLRunner(pool, logger))

	if amountFlag > 0 {
		balance, err := ledger.Grant(ctx, userID, amountFlag, strings.TrimSpace(reasonFlag))
		if err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
		fmt.Printf("Granted %d credits to %s, balance=%d\n", amountFlag, userID, balance)
		return
	}

	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load balance: %w", err))
	}
	fmt.Printf("User %s balance=%d\n", userID, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
