package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/logger"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/portfolio"
	"github.com/xtrntr/papertrade/internal/quote"
	"github.com/xtrntr/papertrade/internal/sqlitedb"
)

const demoPassword = "password"

var companies = map[string]string{
	"ACME":  "Acme Corporation",
	"GLOBX": "Globex Inc.",
	"INIT":  "Initech",
}

type seedTrade struct {
	daysAgo   int
	trader    string
	direction models.Direction
	symbol    string
	shares    int64
	price     string
}

// Three days of activity, oldest first
var trades = []seedTrade{
	{3, "trader1", models.Bought, "ACME", 20, "48.10"},
	{3, "trader2", models.Bought, "GLOBX", 15, "112.35"},
	{2, "trader1", models.Bought, "INIT", 40, "21.02"},
	{2, "trader2", models.Bought, "ACME", 10, "49.75"},
	{1, "trader1", models.Sold, "ACME", 5, "52.40"},
	{1, "trader2", models.Sold, "GLOBX", 15, "118.00"},
	{0, "trader1", models.Bought, "GLOBX", 3, "117.20"},
}

// seedStore is what seeding needs from either ledger backend
type seedStore interface {
	portfolio.Ledger
	auth.UserStore
}

// traderID registers name, or finds it when an earlier run already did
func traderID(ctx context.Context, store seedStore, authService *auth.AuthService, name string) (int, error) {
	user, err := authService.Register(ctx, name, demoPassword)
	if errors.Is(err, models.ErrUsernameTaken) {
		user, err = store.GetUserByUsername(ctx, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", name, err)
	}
	return user.ID, nil
}

// seed replays the demo trades of every trader whose ledger is still empty
// and returns how many trades it recorded. Traders with history are left
// alone, so running it again after a partial run finishes the job.
func seed(ctx context.Context, store seedStore, authService *auth.AuthService, log zerolog.Logger) (int, error) {
	pending := make(map[string]int)
	for _, name := range []string{"trader1", "trader2"} {
		id, err := traderID(ctx, store, authService, name)
		if err != nil {
			return 0, err
		}
		txs, err := store.GetTransactions(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to load transactions of %s: %w", name, err)
		}
		if len(txs) > 0 {
			log.Info().Str("username", name).Msg("Trader already seeded")
			continue
		}
		pending[name] = id
	}

	// Trades are replayed through the engine at historical prices and times.
	quotes := quote.NewStatic()
	var executedAt time.Time
	svc := portfolio.NewService(store, quotes, log, portfolio.WithClock(func() time.Time {
		return executedAt
	}))

	start := time.Now().UTC().Truncate(time.Hour)
	seeded := 0
	for i, t := range trades {
		userID, ok := pending[t.trader]
		if !ok {
			continue
		}
		executedAt = start.Add(-time.Duration(t.daysAgo)*24*time.Hour + time.Duration(i)*time.Minute)
		quotes.Set(t.symbol, companies[t.symbol], decimal.RequireFromString(t.price))

		var err error
		if t.direction == models.Bought {
			_, err = svc.Buy(ctx, userID, t.symbol, t.shares)
		} else {
			_, err = svc.Sell(ctx, userID, t.symbol, t.shares)
		}
		if err != nil {
			return seeded, fmt.Errorf("failed to seed trade %d: %w", i, err)
		}
		seeded++
	}
	return seeded, nil
}

// Seed the database with demo traders and their trade history
func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})

	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.ValidateStore()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	var database seedStore
	switch cfg.DatabaseDriver {
	case "sqlite":
		sqlite, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database")
		}
		defer sqlite.Close()
		database = sqlite
	default:
		pg, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close(ctx)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		database = pg
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL, cfg.StartingCash)
	seeded, err := seed(ctx, database, authService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed database")
	}
	if seeded == 0 {
		log.Info().Msg("Database already seeded. No need to seed.")
		return
	}
	log.Info().Int("trades", seeded).Msg("Successfully seeded the database with demo trades!")
}
