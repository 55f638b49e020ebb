package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine; the environment and flags still apply
	_ = godotenv.Load()

	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbDriver     = fs.StringLong("db-driver", "bolt", "Database driver: 'bolt', 'sqlite' or 'postgres'")
		dbPath       = fs.StringLong("db", "receipt-ledger.db", "Database file path (bolt and sqlite)")
		dbDSN        = fs.StringLong("db-dsn", "", "PostgreSQL connection string; the server runs without a database when empty")
		dbDebug      = fs.BoolLong("db-debug", "Log SQL statements")
		auditDir     = fs.StringLong("audit-dir", "./audit", "Directory for maintenance job logs (empty to disable)")
		scannerType  = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'ollama' or 'none'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-flash-latest", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		runCleanup   = fs.BoolLong("cleanup", "Number unlabeled items and detect missing payment methods, then exit")
		runMigration = fs.BoolLong("migrate-discounts", "Move discount lines stored as items into discounts, then exit")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing database...", "driver", *dbDriver)
	db, err := openDB(*dbDriver, *dbPath, *dbDSN, *dbDebug)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	if db == nil {
		slog.Warn("No database configured, data endpoints will report it as unavailable")
	} else {
		defer db.Close()
	}

	var archive receipt.AuditArchive
	if *auditDir != "" {
		archive, err = receipt.NewLocalArchive(*auditDir)
		if err != nil {
			slog.Error("Failed to initialize audit archive", "error", err)
			os.Exit(1)
		}
	}

	receiptService := receipt.NewService(db, archive)

	if *runCleanup || *runMigration {
		if err := runJobs(context.Background(), receiptService, *runCleanup, *runMigration); err != nil {
			slog.Error("Job failed", "error", err)
			os.Exit(1)
		}
		return
	}

	scanner, err := openScanner(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, scanner, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// openDB opens the configured store. It returns a nil DB without error for
// postgres with no DSN.
func openDB(driver, path, dsn string, debug bool) (receipt.DB, error) {
	switch driver {
	case "bolt":
		return receipt.NewBoltDB(path)
	case "sqlite":
		return receipt.OpenSQLite(path, debug)
	case "postgres":
		if dsn == "" {
			return nil, nil
		}
		return receipt.OpenPostgres(dsn, debug)
	default:
		return nil, fmt.Errorf("unknown database driver %q (valid: bolt, sqlite, postgres)", driver)
	}
}

// openScanner builds the configured scanner. A nil scanner disables OCR.
func openScanner(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Scanner, error) {
	switch kind {
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Warn("No Gemini API key, OCR is disabled. Set --gemini-key or GEMINI_API_KEY")
			return nil, nil
		}
		slog.Info("Initializing Gemini scanner...", "model", geminiModel)
		return scanning.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q (valid: gemini, ollama, none)", kind)
	}
}

// runJobs runs the requested maintenance jobs and prints their reports
func runJobs(ctx context.Context, service *receipt.Service, cleanup, migrate bool) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if migrate {
		report, err := service.MigrateDiscounts(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("printing report: %w", err)
		}
	}
	if cleanup {
		report, err := service.Cleanup(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("printing report: %w", err)
		}
	}
	return nil
}
