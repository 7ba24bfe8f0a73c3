package pricing

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Token types understood by the multiplier lookup.
const (
	TokenTypePrompt     = "prompt"
	TokenTypeCompletion = "completion"
	TokenTypeCacheWrite = "cacheWrite"
	TokenTypeCacheRead  = "cacheRead"
)

// Lookup resolves a credit multiplier for a token amount.
// Implementations must be safe for concurrent use. Failures propagate
// to the spend path as hard errors.
type Lookup interface {
	Multiplier(valueKey, tokenType, model string) (float64, error)
}

// LookupFunc adapts a plain function to the Lookup interface.
type LookupFunc func(valueKey, tokenType, model string) (float64, error)

// Multiplier implements Lookup.
func (f LookupFunc) Multiplier(valueKey, tokenType, model string) (float64, error) {
	return f(valueKey, tokenType, model)
}

// ModelRates holds the per-token-type multipliers for one model or
// model family. Rates are micro-credits per raw token.
type ModelRates struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
	CacheWrite float64 `yaml:"cacheWrite"`
	CacheRead  float64 `yaml:"cacheRead"`
}

// TableFile is the YAML document shape for a pricing table.
type TableFile struct {
	// Default rates apply when neither the model nor the value key is
	// listed.
	Default ModelRates `yaml:"default"`

	// Models maps model names and value keys to rates.
	Models map[string]ModelRates `yaml:"models"`
}

// Table is a thread-safe pricing table supporting hot reload.
type Table struct {
	mu       sync.RWMutex
	models   map[string]ModelRates
	defaults ModelRates
}

// NewTable creates a pricing table from explicit rates.
func NewTable(defaults ModelRates, models map[string]ModelRates) *Table {
	if models == nil {
		models = make(map[string]ModelRates)
	}
	return &Table{models: models, defaults: defaults}
}

// LoadTable reads a pricing table from a YAML file.
func LoadTable(path string) (*Table, error) {
	t := &Table{models: make(map[string]ModelRates)}
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the table from a YAML file, replacing all rates
// atomically. On error the previous rates stay in effect.
func (t *Table) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file %q: %w", path, err)
	}

	var file TableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pricing file %q: %w", path, err)
	}
	if file.Models == nil {
		file.Models = make(map[string]ModelRates)
	}
	for name, rates := range file.Models {
		if rates.Prompt < 0 || rates.Completion < 0 || rates.CacheWrite < 0 || rates.CacheRead < 0 {
			return fmt.Errorf("pricing file %q: negative rate for model %q", path, name)
		}
	}

	t.mu.Lock()
	t.models = file.Models
	t.defaults = file.Default
	t.mu.Unlock()

	return nil
}

// Multiplier resolves the rate for (valueKey, tokenType, model).
// The model name wins over the value key, which wins over the default.
// An unmatched lookup that would fall back to a zero default rate is an
// error, not a free spend.
func (t *Table) Multiplier(valueKey, tokenType, model string) (float64, error) {
	t.mu.RLock()
	rates, listed := t.models[model]
	if !listed {
		rates, listed = t.models[valueKey]
	}
	if !listed {
		rates = t.defaults
	}
	t.mu.RUnlock()

	var rate float64
	switch tokenType {
	case TokenTypePrompt:
		rate = rates.Prompt
	case TokenTypeCompletion:
		rate = rates.Completion
	case TokenTypeCacheWrite:
		rate = rates.CacheWrite
		if rate <= 0 {
			rate = rates.Prompt
		}
	case TokenTypeCacheRead:
		rate = rates.CacheRead
		if rate <= 0 {
			rate = rates.Prompt
		}
	default:
		return 0, fmt.Errorf("unknown token type %q", tokenType)
	}

	if !listed && rate <= 0 {
		return 0, fmt.Errorf("no pricing for model %q (value key %q, token type %q)", model, valueKey, tokenType)
	}
	return rate, nil
}
