package analyzer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/avhall/leverbot/internal/domain"
)

// Analyzer is the capability contract every market analyzer implements. An
// analyzer turns a candle window into one directional opinion; it holds no
// position state and may be called from any goroutine.
type Analyzer interface {
	Name() string
	// Analyze produces a signal from the candle window, oldest first.
	Analyze(candles []domain.Candle) (domain.AnalyzerSignal, error)
	// Ready reports whether the window is usable; an analyzer may demand
	// more than the raw MinCandles count.
	Ready(candles []domain.Candle) bool
	// MinCandles is the smallest window Analyze accepts.
	MinCandles() int
	// Weight is the analyzer's default aggregation weight.
	Weight() float64
	// Priority orders analyzers for display, higher first.
	Priority() int
}

// Registry manages a named collection of analyzers that can be looked up at
// runtime. It is safe for concurrent use.
type Registry struct {
	analyzers map[string]Analyzer
	mu        sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		analyzers: make(map[string]Analyzer),
	}
}

// Register adds an analyzer under its own name. An existing registration
// with the same name is replaced.
func (r *Registry) Register(a Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[a.Name()] = a
}

// Get retrieves an analyzer by name. It returns an error when the name is
// not registered.
func (r *Registry) Get(name string) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.analyzers[name]
	if !ok {
		return nil, fmt.Errorf("analyzer %q: not registered", name)
	}
	return a, nil
}

// List returns the names of all registered analyzers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.analyzers))
	for n := range r.analyzers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Weights returns each registered analyzer's default weight keyed by name,
// the shape the aggregation config consumes.
func (r *Registry) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	weights := make(map[string]float64, len(r.analyzers))
	for name, a := range r.analyzers {
		weights[name] = a.Weight()
	}
	return weights
}

// Collect runs every registered analyzer that reports Ready for the given
// candles, in name order, and returns their signals. Analyzers that are not
// ready are skipped; analyzers that fail contribute an error instead of a
// signal.
func (r *Registry) Collect(candles []domain.Candle) ([]domain.AnalyzerSignal, []error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.analyzers))
	for n := range r.analyzers {
		names = append(names, n)
	}
	sort.Strings(names)

	ordered := make([]Analyzer, 0, len(names))
	for _, n := range names {
		ordered = append(ordered, r.analyzers[n])
	}
	r.mu.RUnlock()

	var (
		signals []domain.AnalyzerSignal
		errs    []error
	)

	for _, a := range ordered {
		if !a.Ready(candles) {
			continue
		}

		sig, err := a.Analyze(candles)
		if err != nil {
			errs = append(errs, fmt.Errorf("analyzer %s: %w", a.Name(), err))
			continue
		}
		signals = append(signals, sig)
	}

	return signals, errs
}
