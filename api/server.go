// Package api exposes the index and answer operations over HTTP for
// interactive front-ends.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/finbot/market-rag/answer"
	"github.com/finbot/market-rag/index"
	"github.com/finbot/market-rag/marketdata"
)

// Rebuilder fetches market data and fully replaces a collection with it.
type Rebuilder interface {
	Rebuild(ctx context.Context, stocks, crypto []string, opts marketdata.BuildOptions, collection string) (int, []string, error)
}

// Answerer turns a question into an answer plus the chunks that backed it.
type Answerer interface {
	Answer(ctx context.Context, query string, opts answer.Options) (string, []index.Result, error)
}

// Clearer empties a named collection.
type Clearer interface {
	Clear(ctx context.Context, collection string) error
}

var (
	_ Rebuilder = (*index.Rebuilder)(nil)
	_ Answerer  = (*answer.Service)(nil)
	_ Clearer   = (*index.PostgresStore)(nil)
)

// Server routes HTTP requests to process-scoped services that are built
// once at startup, so model clients and the connection pool are shared
// across requests. A nil rebuilder disables POST /v1/index.
type Server struct {
	rebuilder  Rebuilder
	answerer   Answerer
	clearer    Clearer
	collection string
	logger     *log.Logger
	handler    http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type indexRequest struct {
	Stocks     []string `json:"stocks"`
	Crypto     []string `json:"crypto"`
	Market     string   `json:"market"`
	Days       int      `json:"days"`
	Overview   bool     `json:"overview"`
	Earnings   bool     `json:"earnings"`
	News       bool     `json:"news"`
	Collection string   `json:"collection"`
}

type indexResponse struct {
	Indexed int      `json:"indexed"`
	Symbols []string `json:"symbols"`
}

type askRequest struct {
	Question   string `json:"question"`
	Symbol     string `json:"symbol"`
	K          int    `json:"k"`
	MaxTokens  int    `json:"maxTokens"`
	Collection string `json:"collection"`
}

type askResponse struct {
	Answer string         `json:"answer"`
	Chunks []chunkPayload `json:"chunks"`
}

type chunkPayload struct {
	DocID  string  `json:"docId"`
	Type   string  `json:"type"`
	Source string  `json:"source"`
	Chunk  int     `json:"chunk"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

type clearRequest struct {
	Collection string `json:"collection"`
	Confirm    bool   `json:"confirm"`
}

// New constructs a Server around the injected services. Requests that omit
// a collection name fall back to defaultCollection.
func New(rebuilder Rebuilder, answerer Answerer, clearer Clearer, defaultCollection string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if defaultCollection == "" {
		defaultCollection = "docs"
	}

	s := &Server{
		rebuilder:  rebuilder,
		answerer:   answerer,
		clearer:    clearer,
		collection: defaultCollection,
		logger:     logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/v1/index", s.handleIndex)
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.rebuilder == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("indexing is disabled: no market-data credential configured"))
		return
	}

	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	stocks := normalizeSymbols(req.Stocks)
	crypto := normalizeSymbols(req.Crypto)
	if len(stocks) == 0 && len(crypto) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("at least one stock or crypto symbol is required"))
		return
	}

	collection := s.collectionOr(req.Collection)
	s.logger.Printf("rebuilding collection %q from %d stock and %d crypto symbols", collection, len(stocks), len(crypto))

	count, symbols, err := s.rebuilder.Rebuild(r.Context(), stocks, crypto, marketdata.BuildOptions{
		Market:          req.Market,
		MaxDays:         req.Days,
		IncludeOverview: req.Overview,
		IncludeEarnings: req.Earnings,
		IncludeNews:     req.News,
	}, collection)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("index build failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, indexResponse{Indexed: count, Symbols: symbols})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}
	if hint := strings.ToUpper(strings.TrimSpace(req.Symbol)); hint != "" {
		question = hint + " " + question
	}

	text, chunks, err := s.answerer.Answer(r.Context(), question, answer.Options{
		K:          req.K,
		MaxTokens:  req.MaxTokens,
		Collection: s.collectionOr(req.Collection),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("answer failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, askResponse{Answer: text, Chunks: chunkPayloads(chunks)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear the collection"))
		return
	}

	collection := s.collectionOr(req.Collection)
	if err := s.clearer.Clear(r.Context(), collection); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear collection: %w", err))
		return
	}

	s.logger.Printf("cleared collection %q", collection)
	s.writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("collection %q cleared", collection)})
}

func (s *Server) collectionOr(name string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return s.collection
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		if sym := strings.ToUpper(strings.TrimSpace(raw)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func chunkPayloads(chunks []index.Result) []chunkPayload {
	out := make([]chunkPayload, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunkPayload{
			DocID:  chunk.Meta.DocID,
			Type:   chunk.Meta.DocType,
			Source: chunk.Meta.Source,
			Chunk:  chunk.Meta.ChunkIndex,
			Text:   chunk.Text,
			Score:  chunk.Score,
		}
	}
	return out
}
