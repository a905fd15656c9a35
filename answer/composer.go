// Package answer turns a question into an answer string: retrieve chunks,
// prioritize them, prompt the generator, and fall back to deterministic
// extraction when the generated text is unusable.
package answer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/finbot/market-rag/index"
	"github.com/finbot/market-rag/marketdata"
)

const (
	// DefaultK is the retrieval depth when the caller does not choose one.
	DefaultK = 6
	// DefaultMaxTokens bounds generation when the caller does not choose.
	DefaultMaxTokens = 100

	// chunkMaxChars caps any chunk text embedded in a prompt.
	chunkMaxChars = 800
	// maxPromptChunks is how many prioritized chunks back an answer.
	maxPromptChunks = 4
)

var (
	numericKeywords = []string{"close", "open", "volume", "high", "low", "price"}
	companyKeywords = []string{"company", "overview", "summary", "profile", "about", "headquarters", "sector", "industry"}

	closeRe    = regexp.MustCompile(`(?i)close\s+([0-9,]+\.?[0-9]*)`)
	numericRe  = regexp.MustCompile(`[-+]?\d{1,3}(?:[,\d]*)?(?:\.\d+)?`)
	sentenceRe = regexp.MustCompile(`(.+?[.!?])\s`)
)

// Retriever is the slice of index.Retriever the composer consumes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, collection string) ([]index.Result, error)
}

// Generator produces text from a prompt with a bounded output budget.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

var _ Retriever = (*index.Retriever)(nil)

// Service composes answers. It holds no mutable state beyond its injected
// collaborators, so one instance serves the whole process.
type Service struct {
	retriever Retriever
	generator Generator
	logger    *log.Logger
}

func NewService(retriever Retriever, generator Generator, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{retriever: retriever, generator: generator, logger: logger}
}

// Options tunes a single Answer call. Zero values take the defaults.
type Options struct {
	K          int
	MaxTokens  int
	Collection string
}

// Answer retrieves context for the query, generates an answer and returns
// it together with the prioritized chunks that backed the prompt. Poor
// generation is never an error: the composer falls back to extracting the
// answer from the context, and only retrieval failures are returned.
func (s *Service) Answer(ctx context.Context, query string, opts Options) (string, []index.Result, error) {
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	candidates, err := s.retriever.Retrieve(ctx, query, k, opts.Collection)
	if err != nil {
		return "", nil, fmt.Errorf("retrieve context: %w", err)
	}

	chunks := topN(prioritize(candidates), maxPromptChunks)
	prompt := buildPrompt(query, chunks)

	generated, err := s.generator.Generate(ctx, prompt, maxTokens)
	if err != nil {
		s.logger.Printf("generation failed, extracting answer from context: %v", err)
		generated = ""
	}

	text := strings.TrimSpace(generated)
	if usable(text) {
		return text, chunks, nil
	}
	return s.extractAnswer(query, chunks), chunks, nil
}

// prioritize puts overview-flavored chunks ahead of everything else so
// summary questions draw on structured company data even when a bar
// passage scores nominally closer. Both buckets stay sorted by ascending
// distance.
func prioritize(chunks []index.Result) []index.Result {
	var overviews, others []index.Result
	for _, chunk := range chunks {
		if isOverview(chunk) {
			overviews = append(overviews, chunk)
		} else {
			others = append(others, chunk)
		}
	}
	sort.SliceStable(overviews, func(i, j int) bool { return overviews[i].Score < overviews[j].Score })
	sort.SliceStable(others, func(i, j int) bool { return others[i].Score < others[j].Score })
	return append(overviews, others...)
}

func isOverview(chunk index.Result) bool {
	return strings.Contains(strings.ToLower(chunk.Meta.DocID), "overview") ||
		strings.Contains(strings.ToLower(chunk.Meta.DocType), "overview")
}

// buildPrompt picks one of three templates by keyword classification of
// the query, numeric before company before general.
func buildPrompt(query string, chunks []index.Result) string {
	if containsAny(query, numericKeywords) && len(chunks) > 0 {
		best := shorten(chunks[0].Text, chunkMaxChars)
		return fmt.Sprintf("Extract the price from this data: %s\nQuestion: %s\nAnswer:", best, query)
	}

	if containsAny(query, companyKeywords) && len(chunks) > 0 {
		best := shorten(chunks[0].Text, chunkMaxChars)
		return fmt.Sprintf("Summarize this company information: %s\nQuestion: %s\nAnswer:", prefix(best, 400), query)
	}

	var context strings.Builder
	for _, chunk := range topN(chunks, 2) {
		context.WriteString(prefix(shorten(chunk.Text, chunkMaxChars), 200))
		context.WriteString("\n")
	}
	return fmt.Sprintf("Context: %s\n\nQuestion: %s\nAnswer:", context.String(), query)
}

// usable rejects generation output that is empty, trivially short, or a
// bare number, which this generator emits when the prompt confuses it.
func usable(text string) bool {
	return len(text) > 3 && !allDigits(text)
}

// extractAnswer is the deterministic fallback: pull the answer straight
// out of the best chunk instead of surfacing a generation failure.
func (s *Service) extractAnswer(query string, chunks []index.Result) string {
	if containsAny(query, numericKeywords) && len(chunks) > 0 {
		best := chunks[0]
		if m := closeRe.FindStringSubmatch(best.Text); m != nil {
			return fmt.Sprintf("%s close price: %s", fallbackSymbol(best), strings.ReplaceAll(m[1], ",", ""))
		}
		if num := numericRe.FindString(best.Text); num != "" {
			return "Price: " + strings.ReplaceAll(num, ",", "")
		}
	}

	if len(chunks) > 0 {
		return firstSentence(chunks[0].Text)
	}

	return "I don't know."
}

// fallbackSymbol labels an extracted close price with the asset the chunk
// came from. Chunk ids without a symbol segment keep the BTC label.
func fallbackSymbol(chunk index.Result) string {
	if sym := marketdata.SymbolFromID(chunk.Meta.DocID); sym != "" {
		return sym
	}
	return "BTC"
}

// firstSentence returns the first run of text ending in '.', '!' or '?'
// followed by whitespace, or the first 200 characters cut at a word
// boundary.
func firstSentence(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if m := sentenceRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	truncated := len([]rune(text)) > 200
	cut := prefix(text, 200)
	if i := strings.LastIndex(cut, " "); i >= 0 {
		cut = cut[:i]
	}
	if truncated {
		cut += "..."
	}
	return cut
}

// shorten caps text at maxChars, cutting at the last word boundary and
// marking the cut with an ellipsis.
func shorten(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars])
	if i := strings.LastIndex(cut, " "); i >= 0 {
		cut = cut[:i]
	}
	return cut + " ..."
}

func prefix(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

func containsAny(query string, keywords []string) bool {
	q := strings.ToLower(query)
	for _, keyword := range keywords {
		if strings.Contains(q, keyword) {
			return true
		}
	}
	return false
}

func allDigits(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func topN(chunks []index.Result, n int) []index.Result {
	if len(chunks) > n {
		return chunks[:n]
	}
	return chunks
}
