package marketdata

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// TypeAlphaVantage tags every passage built from an Alpha Vantage report.
const TypeAlphaVantage = "api/alpha_vantage"

// missingValue is rendered when every lookup in a field chain misses.
const missingValue = "N/A"

// newsLimit caps how many feed items become passages.
const newsLimit = 40

// newsTimeLayout is the feed timestamp format, e.g. "20240131T093000".
const newsTimeLayout = "20060102T150405"

// Passage is one normalized natural-language unit derived from an API
// record, ready for embedding.
type Passage struct {
	ID     string
	Text   string
	Source string
	Type   string
}

// BuildOptions controls which reports BuildPassages fetches per symbol.
type BuildOptions struct {
	Market          string
	MaxDays         int
	IncludeOverview bool
	IncludeEarnings bool
	IncludeNews     bool
}

// Fetcher is the slice of Client that BuildPassages consumes.
type Fetcher interface {
	Overview(ctx context.Context, symbol string) (map[string]any, error)
	DailyAdjusted(ctx context.Context, symbol, outputSize string) (map[string]any, error)
	Earnings(ctx context.Context, symbol string) (map[string]any, error)
	CryptoDaily(ctx context.Context, symbol, market string) (map[string]any, error)
	News(ctx context.Context, tickersCSV string, limit int) (map[string]any, error)
}

var _ Fetcher = (*Client)(nil)

// BuildPassages fetches the configured reports for each stock and crypto
// symbol and serializes them into passages with stable ids. Passage order
// is deterministic: stocks in input order (overview, daily bars newest
// first, earnings), then crypto symbols, then news items in feed order.
func BuildPassages(ctx context.Context, client Fetcher, stocks, crypto []string, opts BuildOptions) ([]Passage, error) {
	if opts.Market == "" {
		opts.Market = "USD"
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = 365
	}
	outputSize := "compact"
	if opts.MaxDays > 100 {
		outputSize = "full"
	}

	var passages []Passage

	for _, sym := range stocks {
		if opts.IncludeOverview {
			report, err := client.Overview(ctx, sym)
			if err != nil {
				return nil, fmt.Errorf("fetch overview for %s: %w", sym, err)
			}
			passages = append(passages, Passage{
				ID:     fmt.Sprintf("av/%s/overview", sym),
				Text:   flattenReport(sym+" Company Overview", report),
				Source: "alpha_vantage:overview",
				Type:   TypeAlphaVantage,
			})
		}

		series, err := client.DailyAdjusted(ctx, sym, outputSize)
		if err != nil {
			return nil, fmt.Errorf("fetch daily series for %s: %w", sym, err)
		}
		fields := stockFields()
		for i, entry := range seriesEntries(series, opts.MaxDays) {
			passages = append(passages, Passage{
				ID:     fmt.Sprintf("av/%s/daily#%d", sym, i),
				Text:   fields.barText(sym+" daily bar", entry.date, entry.row),
				Source: "alpha_vantage:time_series_daily_adjusted",
				Type:   TypeAlphaVantage,
			})
		}

		if opts.IncludeEarnings {
			report, err := client.Earnings(ctx, sym)
			if err != nil {
				return nil, fmt.Errorf("fetch earnings for %s: %w", sym, err)
			}
			passages = append(passages, Passage{
				ID:     fmt.Sprintf("av/%s/earnings", sym),
				Text:   flattenReport(sym+" Earnings", report),
				Source: "alpha_vantage:earnings",
				Type:   TypeAlphaVantage,
			})
		}
	}

	for _, sym := range crypto {
		series, err := client.CryptoDaily(ctx, sym, opts.Market)
		if err != nil {
			return nil, fmt.Errorf("fetch crypto series for %s: %w", sym, err)
		}
		fields := cryptoFields(opts.Market)
		for i, entry := range seriesEntries(series, opts.MaxDays) {
			passages = append(passages, Passage{
				ID:     fmt.Sprintf("av/%s-%s/digital_daily#%d", sym, opts.Market, i),
				Text:   fields.barText(sym+"/"+opts.Market, entry.date, entry.row),
				Source: "alpha_vantage:digital_currency_daily",
				Type:   TypeAlphaVantage,
			})
		}
	}

	// The news feed is equity-ticker oriented, so crypto symbols are not
	// part of the ticker universe.
	if opts.IncludeNews && len(stocks) > 0 {
		feed, err := client.News(ctx, strings.Join(stocks, ","), newsLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch news feed: %w", err)
		}
		passages = append(passages, newsPassages(feed)...)
	}

	return passages, nil
}

// SymbolFromID extracts the asset symbol from a passage id such as
// "av/AAPL/overview" or "av/BTC-USD/digital_daily#3". Ids without a symbol
// segment, like news ids, yield the empty string.
func SymbolFromID(docID string) string {
	parts := strings.Split(docID, "/")
	if len(parts) < 3 {
		return ""
	}
	symbol, _, _ := strings.Cut(parts[1], "-")
	return symbol
}

// keyMatcher reports whether a response key carries the wanted field. The
// upstream schema has drifted across API revisions, so lookups are chains
// of matchers rather than single key reads.
type keyMatcher interface {
	matches(key string) bool
}

type exactKey string

func (m exactKey) matches(key string) bool { return string(m) == key }

type containsKey string

func (m containsKey) matches(key string) bool {
	return strings.Contains(strings.ToLower(key), string(m))
}

type patternKey struct{ re *regexp.Regexp }

func (m patternKey) matches(key string) bool { return m.re.MatchString(key) }

// marketKey matches the market-qualified crypto dialects, e.g. both
// "4a. close (USD)" and "4b. close (USD)".
func marketKey(field, market string) keyMatcher {
	return patternKey{re: regexp.MustCompile(
		`(?i)\b\d+[ab]\.\s*` + regexp.QuoteMeta(field) + `\s*\(\s*` + regexp.QuoteMeta(market) + `\s*\)`,
	)}
}

// fieldChain is an ordered list of key matchers tried in priority order.
type fieldChain []keyMatcher

// resolve returns the value of the first row key accepted by the chain,
// or the missing-value placeholder when nothing matches. Keys are visited
// in sorted order so resolution is deterministic, and blank values fall
// through to the next candidate.
func (fc fieldChain) resolve(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, m := range fc {
		for _, k := range keys {
			if !m.matches(k) {
				continue
			}
			v := row[k]
			if v == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return missingValue
}

// barFields holds one field chain per OHLCV component of a daily bar.
type barFields struct {
	open   fieldChain
	high   fieldChain
	low    fieldChain
	close  fieldChain
	volume fieldChain
}

func (f barFields) barText(prefix, date string, row map[string]any) string {
	return fmt.Sprintf("%s on %s: open %s, high %s, low %s, close %s, volume %s.",
		prefix, date,
		f.open.resolve(row), f.high.resolve(row), f.low.resolve(row),
		f.close.resolve(row), f.volume.resolve(row))
}

// stockFields resolves the canonical numbered equity keys, falling back to
// the adjusted close and the legacy volume spellings.
func stockFields() barFields {
	return barFields{
		open:   fieldChain{exactKey("1. open")},
		high:   fieldChain{exactKey("2. high")},
		low:    fieldChain{exactKey("3. low")},
		close:  fieldChain{exactKey("4. close"), exactKey("5. adjusted close")},
		volume: fieldChain{exactKey("6. volume"), exactKey("5. volume"), exactKey("volume")},
	}
}

// cryptoFields resolves each component through three tiers: the plain
// numbered key, the market-qualified dialects, then any key containing the
// field name at all.
func cryptoFields(market string) barFields {
	chain := func(n int, field string) fieldChain {
		return fieldChain{
			exactKey(fmt.Sprintf("%d. %s", n, field)),
			marketKey(field, market),
			containsKey(field),
		}
	}
	return barFields{
		open:   chain(1, "open"),
		high:   chain(2, "high"),
		low:    chain(3, "low"),
		close:  chain(4, "close"),
		volume: chain(5, "volume"),
	}
}

type seriesEntry struct {
	date string
	row  map[string]any
}

// seriesEntries returns the rows of the payload's time-series field,
// newest date first, truncated to maxDays. The field is located by
// case-insensitive substring match because its exact name varies per
// endpoint ("Time Series (Daily)", "Time Series (Digital Currency Daily)").
func seriesEntries(payload map[string]any, maxDays int) []seriesEntry {
	var tsKeys []string
	for key := range payload {
		if strings.Contains(strings.ToLower(key), "time series") {
			tsKeys = append(tsKeys, key)
		}
	}
	if len(tsKeys) == 0 {
		return nil
	}
	sort.Strings(tsKeys)

	rows, ok := payload[tsKeys[0]].(map[string]any)
	if !ok {
		return nil
	}
	dates := make([]string, 0, len(rows))
	for date := range rows {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if maxDays > 0 && len(dates) > maxDays {
		dates = dates[:maxDays]
	}

	entries := make([]seriesEntry, 0, len(dates))
	for _, date := range dates {
		if row, ok := rows[date].(map[string]any); ok {
			entries = append(entries, seriesEntry{date: date, row: row})
		}
	}
	return entries
}

// flattenReport renders a flat key-value report as a heading line followed
// by "- key: value" lines in sorted key order. Nested objects and arrays
// are skipped.
func flattenReport(title string, report map[string]any) string {
	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{title + ":"}
	for _, k := range keys {
		switch report[k].(type) {
		case map[string]any, []any:
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %v", k, report[k]))
	}
	return strings.Join(lines, "\n")
}

func newsPassages(payload map[string]any) []Passage {
	feed, _ := payload["feed"].([]any)
	if len(feed) > newsLimit {
		feed = feed[:newsLimit]
	}

	var passages []Passage
	for j, raw := range feed {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := fmt.Sprintf("News on %s: %s — %s [sentiment: %s] Source: %s. URL: %s",
			reformatNewsTime(stringField(item, "time_published")),
			fieldOr(item, "title"),
			fieldOr(item, "summary"),
			fieldOr(item, "overall_sentiment_label"),
			fieldOr(item, "source"),
			fieldOr(item, "url"))
		passages = append(passages, Passage{
			ID:     fmt.Sprintf("av/news#%d", j),
			Text:   text,
			Source: "alpha_vantage:news_sentiment",
			Type:   TypeAlphaVantage,
		})
	}
	return passages
}

// reformatNewsTime rewrites a feed timestamp into "YYYY-MM-DD HH:MM:SS",
// returning the raw string unchanged when it does not parse.
func reformatNewsTime(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(newsTimeLayout, raw)
	if err != nil {
		return raw
	}
	return t.Format("2006-01-02 15:04:05")
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func fieldOr(m map[string]any, key string) string {
	if s := stringField(m, key); s != "" {
		return s
	}
	return missingValue
}
