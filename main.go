package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/finbot/market-rag/answer"
	"github.com/finbot/market-rag/api"
	"github.com/finbot/market-rag/config"
	"github.com/finbot/market-rag/database"
	"github.com/finbot/market-rag/embeddings"
	"github.com/finbot/market-rag/index"
	"github.com/finbot/market-rag/llm"
	"github.com/finbot/market-rag/marketdata"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "index":
		indexCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func indexCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("index", flag.ExitOnError)
	stocks := flags.String("stocks", "AAPL,MSFT", "comma-separated stock symbols")
	crypto := flags.String("crypto", "BTC,ETH", "comma-separated crypto symbols")
	market := flags.String("market", "USD", "market currency for crypto series")
	days := flags.Int("days", 365, "max days of daily history per symbol")
	overview := flags.Bool("overview", true, "include company overview passages")
	earnings := flags.Bool("earnings", false, "include earnings passages")
	news := flags.Bool("news", false, "include news passages for the stock tickers")
	collection := flags.String("collection", cfg.Collection, "name of the collection to rebuild")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse index flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := marketdata.NewClient(cfg.AlphaVantageKey,
		marketdata.WithRetrySleep(cfg.RateLimitSleep),
		marketdata.WithPacing(cfg.MinRequestInterval))
	if err != nil {
		logger.Fatalf("alpha vantage setup: %v", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	indexer := index.NewIndexer(embedder, index.NewPostgresStore(pool), logger)
	rebuilder := index.NewRebuilder(client, indexer, logger)
	logger.Printf("fetching market data using %s/%s embeddings", strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)

	count, symbols, err := rebuilder.Rebuild(ctx, splitSymbols(*stocks), splitSymbols(*crypto), marketdata.BuildOptions{
		Market:          *market,
		MaxDays:         *days,
		IncludeOverview: *overview,
		IncludeEarnings: *earnings,
		IncludeNews:     *news,
	}, *collection)
	if err != nil {
		logger.Fatalf("index build failed: %v", err)
	}

	fmt.Printf("indexed %d chunks for %s\n", count, strings.Join(symbols, ", "))
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask")
	symbol := flags.String("symbol", "", "optional symbol hint prefixed onto the question")
	k := flags.Int("k", answer.DefaultK, "number of context chunks to retrieve")
	maxTokens := flags.Int("max-tokens", answer.DefaultMaxTokens, "generation budget in tokens")
	collection := flags.String("collection", cfg.Collection, "collection to query")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	query := strings.TrimSpace(*question)
	if query == "" {
		logger.Fatal("question is required")
	}
	if hint := strings.ToUpper(strings.TrimSpace(*symbol)); hint != "" {
		query = hint + " " + query
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pool.Close()

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	retriever := index.NewRetriever(embedder, index.NewPostgresStore(pool), cfg.TopK)
	svc := answer.NewService(retriever, llmClient, logger)

	text, chunks, err := svc.Answer(ctx, query, answer.Options{
		K:          *k,
		MaxTokens:  *maxTokens,
		Collection: *collection,
	})
	if err != nil {
		logger.Fatalf("answer failed: %v", err)
	}

	fmt.Println(text)
	if len(chunks) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, chunk := range chunks {
			fmt.Printf("%d. %s (chunk %d, score %.4f)\n", i+1, chunk.Meta.DocID, chunk.Meta.ChunkIndex, chunk.Score)
		}
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	collection := flags.String("collection", cfg.Collection, "collection to clear")
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Printf("This will permanently delete every chunk in collection %q. Continue? [y/N]: ", *collection)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		reply := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if reply != "y" && reply != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pool.Close()

	if err := index.NewPostgresStore(pool).Clear(ctx, *collection); err != nil {
		logger.Fatalf("clear collection: %v", err)
	}
	logger.Printf("cleared collection %q", *collection)
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "listen address for the HTTP API")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	store := index.NewPostgresStore(pool)
	answerer := answer.NewService(index.NewRetriever(embedder, store, cfg.TopK), llmClient, logger)

	// The services behind the API are built once per process so model
	// clients and the pool are shared across requests. Indexing needs the
	// market-data credential; answering does not.
	var rebuilder api.Rebuilder
	if cfg.AlphaVantageKey == "" {
		logger.Println("ALPHA_VANTAGE_KEY not set, POST /v1/index is disabled")
	} else {
		client, err := marketdata.NewClient(cfg.AlphaVantageKey,
			marketdata.WithRetrySleep(cfg.RateLimitSleep),
			marketdata.WithPacing(cfg.MinRequestInterval))
		if err != nil {
			logger.Fatalf("alpha vantage setup: %v", err)
		}
		rebuilder = index.NewRebuilder(client, index.NewIndexer(embedder, store, logger), logger)
	}

	server := &http.Server{
		Addr:    *addr,
		Handler: api.New(rebuilder, answerer, store, cfg.Collection, logger),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("serving HTTP API on %s", *addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
}

func splitSymbols(csv string) []string {
	var symbols []string
	for _, part := range strings.Split(csv, ",") {
		if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

func printUsage() {
	fmt.Println("Usage: market-rag <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  index    Fetch market data and rebuild the vector collection")
	fmt.Println("  ask      Answer a question from the indexed collection")
	fmt.Println("  clear    Remove every chunk from a collection")
	fmt.Println("  serve    Run the HTTP API")
}
