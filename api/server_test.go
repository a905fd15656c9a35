package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finbot/market-rag/answer"
	"github.com/finbot/market-rag/index"
	"github.com/finbot/market-rag/marketdata"
)

type stubRebuilder struct {
	count         int
	symbols       []string
	err           error
	gotStocks     []string
	gotCrypto     []string
	gotOpts       marketdata.BuildOptions
	gotCollection string
}

func (s *stubRebuilder) Rebuild(ctx context.Context, stocks, crypto []string, opts marketdata.BuildOptions, collection string) (int, []string, error) {
	s.gotStocks = stocks
	s.gotCrypto = crypto
	s.gotOpts = opts
	s.gotCollection = collection
	if s.err != nil {
		return 0, nil, s.err
	}
	return s.count, s.symbols, nil
}

type stubAnswerer struct {
	text     string
	chunks   []index.Result
	err      error
	gotQuery string
	gotOpts  answer.Options
}

func (s *stubAnswerer) Answer(ctx context.Context, query string, opts answer.Options) (string, []index.Result, error) {
	s.gotQuery = query
	s.gotOpts = opts
	if s.err != nil {
		return "", nil, s.err
	}
	return s.text, s.chunks, nil
}

type stubClearer struct {
	err           error
	gotCollection string
}

func (s *stubClearer) Clear(ctx context.Context, collection string) error {
	s.gotCollection = collection
	return s.err
}

var (
	_ Rebuilder = (*stubRebuilder)(nil)
	_ Answerer  = (*stubAnswerer)(nil)
	_ Clearer   = (*stubClearer)(nil)
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAskReturnsAnswerWithChunks(t *testing.T) {
	answerer := &stubAnswerer{
		text: "BTC close price: 42350.10",
		chunks: []index.Result{{
			Text: "BTC/USD on 2024-01-02: close 42350.10.",
			Meta: index.Metadata{
				Source:     "alpha_vantage:digital_currency_daily",
				ChunkIndex: 0,
				DocID:      "av/BTC-USD/digital_daily#0",
				DocType:    "api/alpha_vantage",
			},
			Score: 0.12,
		}},
	}
	server := New(&stubRebuilder{}, answerer, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "What was the close?", Symbol: "btc", K: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}

	if answerer.gotQuery != "BTC What was the close?" {
		t.Fatalf("expected uppercased symbol hint prefixed to the question, got %q", answerer.gotQuery)
	}
	if answerer.gotOpts.K != 2 || answerer.gotOpts.Collection != "docs" {
		t.Fatalf("expected k=2 collection=docs, got %+v", answerer.gotOpts)
	}

	raw := rec.Body.String()
	var resp askResponse
	decodeBody(t, rec, &resp)
	if resp.Answer != "BTC close price: 42350.10" {
		t.Fatalf("unexpected answer %q", resp.Answer)
	}
	if len(resp.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(resp.Chunks))
	}
	chunk := resp.Chunks[0]
	if chunk.DocID != "av/BTC-USD/digital_daily#0" || chunk.Type != "api/alpha_vantage" || chunk.Chunk != 0 || chunk.Score != 0.12 {
		t.Fatalf("unexpected chunk payload %+v", chunk)
	}
	if !strings.Contains(raw, `"docId":`) {
		t.Fatalf("expected docId field in payload, got %s", raw)
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp errorResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "question is required") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestAskMethodNotAllowed(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/ask", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestAskAnswerFailure(t *testing.T) {
	answerer := &stubAnswerer{err: fmt.Errorf("store offline")}
	server := New(&stubRebuilder{}, answerer, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "anything"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var resp errorResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "answer failed") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestIndexNormalizesSymbolsAndOptions(t *testing.T) {
	rebuilder := &stubRebuilder{count: 12, symbols: []string{"AAPL", "BTC"}}
	server := New(rebuilder, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/index", indexRequest{
		Stocks:   []string{" aapl ", ""},
		Crypto:   []string{"btc"},
		Market:   "USD",
		Days:     30,
		Overview: true,
		News:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(rebuilder.gotStocks) != 1 || rebuilder.gotStocks[0] != "AAPL" {
		t.Fatalf("expected normalized stocks [AAPL], got %v", rebuilder.gotStocks)
	}
	if len(rebuilder.gotCrypto) != 1 || rebuilder.gotCrypto[0] != "BTC" {
		t.Fatalf("expected normalized crypto [BTC], got %v", rebuilder.gotCrypto)
	}
	if rebuilder.gotCollection != "docs" {
		t.Fatalf("expected default collection, got %q", rebuilder.gotCollection)
	}
	opts := rebuilder.gotOpts
	if opts.Market != "USD" || opts.MaxDays != 30 || !opts.IncludeOverview || !opts.IncludeNews || opts.IncludeEarnings {
		t.Fatalf("unexpected build options %+v", opts)
	}

	var resp indexResponse
	decodeBody(t, rec, &resp)
	if resp.Indexed != 12 || len(resp.Symbols) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestIndexRequiresSymbols(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/index", indexRequest{Stocks: []string{"  "}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp errorResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "at least one stock or crypto symbol") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestIndexDisabledWithoutRebuilder(t *testing.T) {
	server := New(nil, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/index", indexRequest{Stocks: []string{"AAPL"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp errorResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "indexing is disabled") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestIndexRejectsUnknownFields(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/index", map[string]any{"tickers": []string{"AAPL"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on unknown field, got %d", rec.Code)
	}
}

func TestClearRequiresConfirmation(t *testing.T) {
	clearer := &stubClearer{}
	server := New(&stubRebuilder{}, &stubAnswerer{}, clearer, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/clear", clearRequest{Confirm: false})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if clearer.gotCollection != "" {
		t.Fatalf("expected clear not to be called, got %q", clearer.gotCollection)
	}
}

func TestClearUsesRequestedCollection(t *testing.T) {
	clearer := &stubClearer{}
	server := New(&stubRebuilder{}, &stubAnswerer{}, clearer, "docs", discardLogger())

	rec := postJSON(t, server, "/v1/clear", clearRequest{Collection: " custom ", Confirm: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if clearer.gotCollection != "custom" {
		t.Fatalf("expected trimmed collection name, got %q", clearer.gotCollection)
	}

	var resp messageResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Message, `"custom" cleared`) {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestHealthz(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp messageResponse
	decodeBody(t, rec, &resp)
	if resp.Message != "ok" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestOpenAPISpecServed(t *testing.T) {
	server := New(&stubRebuilder{}, &stubAnswerer{}, &stubClearer{}, "docs", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/yaml") {
		t.Fatalf("expected text/yaml, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "/v1/ask") {
		t.Fatalf("expected the served OpenAPI document to describe /v1/ask")
	}
}
