// Package pricing implements the model-pricing engine:
// exact-then-longest-prefix case-insensitive matching against a
// mutable, atomically-persisted pricing table.
package pricing

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// defaultEntries seeds a fresh pricing table. Values mirror the
// upstream providers' published per-million-token list pricing at
// authoring time; operators are expected to override via the admin
// CRUD as providers change pricing.
var defaultEntries = []eventmodel.PricingEntry{
	{ModelPattern: "claude-opus-4", Provider: "anthropic", InputPerM: 15.0, OutputPerM: 75.0},
	{ModelPattern: "claude-sonnet-4", Provider: "anthropic", InputPerM: 3.0, OutputPerM: 15.0},
	{ModelPattern: "claude-3-7-sonnet", Provider: "anthropic", InputPerM: 3.0, OutputPerM: 15.0},
	{ModelPattern: "claude-3-5-sonnet", Provider: "anthropic", InputPerM: 3.0, OutputPerM: 15.0},
	{ModelPattern: "claude-3-5-haiku", Provider: "anthropic", InputPerM: 0.80, OutputPerM: 4.0},
	{ModelPattern: "claude-3-opus", Provider: "anthropic", InputPerM: 15.0, OutputPerM: 75.0},
	{ModelPattern: "claude-3-haiku", Provider: "anthropic", InputPerM: 0.25, OutputPerM: 1.25},
	{ModelPattern: "claude-sonnet-4-5", Provider: "anthropic", InputPerM: 3.0, OutputPerM: 15.0},
	{ModelPattern: "claude-haiku-4-5", Provider: "anthropic", InputPerM: 1.0, OutputPerM: 4.0},
	{ModelPattern: "gpt-4o", Provider: "openai", InputPerM: 2.50, OutputPerM: 10.0},
	{ModelPattern: "gpt-4o-mini", Provider: "openai", InputPerM: 0.15, OutputPerM: 0.60},
	{ModelPattern: "gpt-4-turbo", Provider: "openai", InputPerM: 10.0, OutputPerM: 30.0},
	{ModelPattern: "gpt-4", Provider: "openai", InputPerM: 30.0, OutputPerM: 60.0},
	{ModelPattern: "o1", Provider: "openai", InputPerM: 15.0, OutputPerM: 60.0},
	{ModelPattern: "o3-mini", Provider: "openai", InputPerM: 1.10, OutputPerM: 4.40},
	{ModelPattern: "gemini-2.0-flash", Provider: "google", InputPerM: 0.10, OutputPerM: 0.40},
	{ModelPattern: "gemini-1.5-pro", Provider: "google", InputPerM: 1.25, OutputPerM: 5.0},
	{ModelPattern: "gemini-1.5-flash", Provider: "google", InputPerM: 0.075, OutputPerM: 0.30},
	{ModelPattern: "mistral-large", Provider: "mistral", InputPerM: 2.0, OutputPerM: 6.0},
	{ModelPattern: "mistral-small", Provider: "mistral", InputPerM: 0.20, OutputPerM: 0.60},
	{ModelPattern: "codestral", Provider: "mistral", InputPerM: 0.30, OutputPerM: 0.90},
	{ModelPattern: "llama-3.1-405b", Provider: "meta", InputPerM: 3.0, OutputPerM: 3.0},
	{ModelPattern: "llama-3.1-70b", Provider: "meta", InputPerM: 0.90, OutputPerM: 0.90},
	{ModelPattern: "llama-3.1-8b", Provider: "meta", InputPerM: 0.10, OutputPerM: 0.10},
}

// Engine is an in-memory pricing table with atomic file persistence.
type Engine struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	path    string
	entries []eventmodel.PricingEntry
}

// NewEngine constructs an Engine whose backing file lives at
// filepath.Join(dataDir, "llm_pricing.json").
func NewEngine(logger zerolog.Logger, dataDir string) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "pricing").Logger(),
		path:   filepath.Join(dataDir, "llm_pricing.json"),
	}
}

// Initialize loads the pricing table from disk, or seeds and persists
// the defaults if no file exists yet or it fails to parse.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := os.ReadFile(e.path)
	if err != nil {
		e.entries = append([]eventmodel.PricingEntry(nil), defaultEntries...)
		return e.persistLocked()
	}

	var entries []eventmodel.PricingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		e.logger.Warn().Err(err).Str("path", e.path).Msg("pricing file corrupt, reseeding defaults")
		e.entries = append([]eventmodel.PricingEntry(nil), defaultEntries...)
		return e.persistLocked()
	}
	e.entries = entries
	return nil
}

// persistLocked writes the table atomically (temp file + rename).
// Caller must hold e.mu.
func (e *Engine) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, e.path)
}

// MatchModel finds the best pricing entry for a model name: exact
// case-insensitive match first, then the longest model_pattern that is
// a case-insensitive prefix of the model name.
func (e *Engine) MatchModel(model string) (eventmodel.PricingEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lower := strings.ToLower(model)

	for _, entry := range e.entries {
		if strings.ToLower(entry.ModelPattern) == lower {
			return entry, true
		}
	}

	var best eventmodel.PricingEntry
	bestLen := 0
	found := false
	for _, entry := range e.entries {
		pattern := strings.ToLower(entry.ModelPattern)
		if strings.HasPrefix(lower, pattern) && len(pattern) > bestLen {
			best = entry
			bestLen = len(pattern)
			found = true
		}
	}
	return best, found
}

// EstimateCost returns the estimated cost and the matched pattern, or
// (0, "", false) if the model is unknown or no token counts were given.
func (e *Engine) EstimateCost(model string, tokensIn, tokensOut *int64) (float64, string, bool) {
	if model == "" || (tokensIn == nil && tokensOut == nil) {
		return 0, "", false
	}
	entry, ok := e.MatchModel(model)
	if !ok {
		return 0, "", false
	}
	var in, out int64
	if tokensIn != nil {
		in = *tokensIn
	}
	if tokensOut != nil {
		out = *tokensOut
	}
	cost := (float64(in)*entry.InputPerM + float64(out)*entry.OutputPerM) / 1_000_000
	cost = math.Round(cost*1e6) / 1e6
	return cost, entry.ModelPattern, true
}

// ProcessLLMEvent applies the three cost-resolution rules to an
// llm_call payload's data map, mutating it in place. It is a no-op for
// any payload whose kind is not llm_call.
func (e *Engine) ProcessLLMEvent(kind eventmodel.PayloadKind, data map[string]interface{}) {
	if kind != eventmodel.PayloadLLMCall || data == nil {
		return
	}

	cost, hasCost := asFloat(data["cost"])

	// Rule 1: developer-provided cost > 0 is authoritative.
	if hasCost && cost > 0 {
		data["cost_source"] = eventmodel.CostSourceReported
		return
	}

	// Rule 2: estimate from model + tokens.
	if model, ok := data["model"].(string); ok && model != "" {
		tokensIn := asInt64Ptr(data["tokens_in"])
		tokensOut := asInt64Ptr(data["tokens_out"])
		if estimated, pattern, found := e.EstimateCost(model, tokensIn, tokensOut); found {
			data["cost"] = estimated
			data["cost_source"] = eventmodel.CostSourceEstimated
			data["cost_model_matched"] = pattern
			return
		}
	}

	// Rule 3: cost explicitly zero and unmatched -> explicit null
	// cost_source; anything else (no cost field at all) is left
	// completely untouched, preserving the reported / estimated /
	// explicit-null / absent distinction.
	if hasCost && cost == 0 {
		data["cost_source"] = nil
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt64Ptr(v interface{}) *int64 {
	switch n := v.(type) {
	case float64:
		i := int64(n)
		return &i
	case int64:
		return &n
	case int:
		i := int64(n)
		return &i
	default:
		return nil
	}
}

// AllEntries returns a copy of the current table.
func (e *Engine) AllEntries() []eventmodel.PricingEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]eventmodel.PricingEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// AddEntry appends a new pricing entry and persists.
func (e *Engine) AddEntry(entry eventmodel.PricingEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return e.persistLocked()
}

// UpdateEntry merges updates into the entry matching pattern
// case-insensitively and persists. Returns false if no entry matched.
func (e *Engine) UpdateEntry(pattern string, updates eventmodel.PricingEntry) (eventmodel.PricingEntry, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lower := strings.ToLower(pattern)
	for i, entry := range e.entries {
		if strings.ToLower(entry.ModelPattern) == lower {
			if updates.Provider != "" {
				entry.Provider = updates.Provider
			}
			if updates.InputPerM != 0 {
				entry.InputPerM = updates.InputPerM
			}
			if updates.OutputPerM != 0 {
				entry.OutputPerM = updates.OutputPerM
			}
			e.entries[i] = entry
			return entry, true, e.persistLocked()
		}
	}
	return eventmodel.PricingEntry{}, false, nil
}

// DeleteEntry removes the entry matching pattern case-insensitively
// and persists. Returns false if no entry matched.
func (e *Engine) DeleteEntry(pattern string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lower := strings.ToLower(pattern)
	for i, entry := range e.entries {
		if strings.ToLower(entry.ModelPattern) == lower {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return true, e.persistLocked()
		}
	}
	return false, nil
}
