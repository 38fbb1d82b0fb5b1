package diagnose

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"
)

//go:embed rules/rbt.mg
var defaultRules string

// KernelConfig tunes the Datalog kernel.
type KernelConfig struct {
	// RulesPath names an optional rules file loaded after the embedded
	// ruleset. Its declarations and clauses extend the builtin ones.
	RulesPath string

	// QueryTimeout bounds a single Query call when the caller's context
	// carries no deadline.
	QueryTimeout time.Duration

	// FactLimit caps asserted facts; zero means unlimited.
	FactLimit int
}

// Kernel wraps a Mangle program. Rules are parsed and analyzed at
// construction, facts are asserted per run, and derived predicates are
// read back after Eval.
type Kernel struct {
	mu             sync.RWMutex
	cfg            KernelConfig
	baseStore      factstore.FactStoreWithRemove
	store          factstore.ConcurrentFactStore
	programInfo    *analysis.ProgramInfo
	queryContext   *mengine.QueryContext
	predicateIndex map[string]ast.PredicateSym
	fragments      []parse.SourceUnit
	factCount      int
}

// NewKernel compiles the embedded ruleset plus any extra rules file.
func NewKernel(cfg KernelConfig) (*Kernel, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	base := factstore.NewSimpleInMemoryStore()
	k := &Kernel{
		cfg:            cfg,
		baseStore:      base,
		store:          factstore.NewConcurrentFactStore(base),
		predicateIndex: make(map[string]ast.PredicateSym),
	}

	if err := k.loadRules(defaultRules); err != nil {
		return nil, fmt.Errorf("builtin ruleset: %w", err)
	}
	if cfg.RulesPath != "" {
		data, err := os.ReadFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		if err := k.loadRules(string(data)); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", cfg.RulesPath, err)
		}
	}
	return k, nil
}

func (k *Kernel) loadRules(src string) error {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.fragments = append(k.fragments, unit)
	return k.rebuildLocked()
}

// rebuildLocked re-analyzes all loaded fragments and refreshes the
// predicate index and query context.
func (k *Kernel) rebuildLocked() error {
	var clauses []ast.Clause
	var decls []ast.Decl
	for _, fragment := range k.fragments {
		clauses = append(clauses, fragment.Clauses...)
		decls = append(decls, fragment.Decls...)
	}

	info, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return err
	}

	k.programInfo = info
	k.predicateIndex = make(map[string]ast.PredicateSym, len(info.Decls))

	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(info.Decls))
	for sym, decl := range info.Decls {
		k.predicateIndex[sym.Symbol] = sym
		predToDecl[sym] = decl
	}

	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range info.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}

	k.queryContext = &mengine.QueryContext{
		PredToRules: predToRules,
		PredToDecl:  predToDecl,
		Store:       k.store,
	}
	return nil
}

// Assert adds one fact. The predicate must be declared and the arity
// must match.
func (k *Kernel) Assert(predicate string, args ...any) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.programInfo == nil {
		return errors.New("no ruleset loaded")
	}
	if k.cfg.FactLimit > 0 && k.factCount >= k.cfg.FactLimit {
		return fmt.Errorf("fact limit exceeded: %d", k.cfg.FactLimit)
	}

	sym, ok := k.predicateIndex[predicate]
	if !ok {
		return fmt.Errorf("predicate %s is not declared", predicate)
	}
	if len(args) != sym.Arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", predicate, sym.Arity, len(args))
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, raw := range args {
		term, err := termFor(raw)
		if err != nil {
			return fmt.Errorf("predicate %s arg %d: %w", predicate, i, err)
		}
		terms[i] = term
	}

	if k.store.Add(ast.Atom{Predicate: sym, Args: terms}) {
		k.factCount++
	}
	return nil
}

// Eval runs the program to fixpoint, materializing derived predicates
// into the store.
func (k *Kernel) Eval() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.programInfo == nil {
		return errors.New("no ruleset loaded")
	}
	_, err := mengine.EvalProgramWithStats(k.programInfo, k.store)
	return err
}

// Facts returns the argument tuples of every stored fact for the
// predicate, including derived ones after Eval.
func (k *Kernel) Facts(predicate string) ([][]any, error) {
	k.mu.RLock()
	sym, ok := k.predicateIndex[predicate]
	store := k.store
	k.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var rows [][]any
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]any, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = valueOf(arg)
		}
		rows = append(rows, args)
		return nil
	})
	return rows, err
}

// Query evaluates a single-atom query such as "thorn(Id, Cause, E, I)"
// and returns one row per answer, keyed by variable name. The call is
// bounded by QueryTimeout unless the context already has a deadline.
func (k *Kernel) Query(ctx context.Context, query string) ([]map[string]any, error) {
	atom, vars, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	qc := k.queryContext
	if qc == nil {
		k.mu.RUnlock()
		return nil, errors.New("no ruleset loaded")
	}
	decl, ok := qc.PredToDecl[atom.Predicate]
	if !ok {
		k.mu.RUnlock()
		return nil, fmt.Errorf("predicate %s is not declared", atom.Predicate.Symbol)
	}
	if len(decl.Modes()) == 0 {
		k.mu.RUnlock()
		return nil, fmt.Errorf("predicate %s has no modes declared", atom.Predicate.Symbol)
	}
	mode := decl.Modes()[0]
	k.mu.RUnlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.QueryTimeout)
		defer cancel()
	}

	rowCh := make(chan []map[string]any, 1)
	errCh := make(chan error, 1)
	go func() {
		var rows []map[string]any
		err := qc.EvalQuery(atom, mode, unionfind.New(), func(fact ast.Atom) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			row := make(map[string]any, len(vars))
			for _, qv := range vars {
				if qv.index < len(fact.Args) {
					row[qv.name] = valueOf(fact.Args[qv.index])
				}
			}
			rows = append(rows, row)
			return nil
		})
		if err != nil {
			errCh <- err
			return
		}
		rowCh <- rows
	}()

	select {
	case rows := <-rowCh:
		return rows, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("query timed out: %w", ctx.Err())
	}
}

// Clear drops all facts, asserted and derived. The compiled program is
// kept.
func (k *Kernel) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.baseStore = factstore.NewSimpleInMemoryStore()
	k.store = factstore.NewConcurrentFactStore(k.baseStore)
	k.factCount = 0
	if k.queryContext != nil {
		k.queryContext.Store = k.store
	}
}

// FactCount reports the number of asserted (not derived) facts.
func (k *Kernel) FactCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.factCount
}

type queryVar struct {
	name  string
	index int
}

func parseQuery(query string) (ast.Atom, []queryVar, error) {
	clean := strings.TrimSpace(query)
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "?"))
	clean = strings.TrimSpace(strings.TrimSuffix(clean, "."))
	if clean == "" {
		return ast.Atom{}, nil, errors.New("empty query")
	}

	atom, err := parse.Atom(clean)
	if err != nil {
		return ast.Atom{}, nil, fmt.Errorf("parse query %q: %w", query, err)
	}

	vars := make([]queryVar, 0, len(atom.Args))
	for i, arg := range atom.Args {
		if v, ok := arg.(ast.Variable); ok {
			vars = append(vars, queryVar{name: v.Symbol, index: i})
		}
	}
	return atom, vars, nil
}

// termFor maps a Go value to a Mangle constant. Strings with a leading
// slash become name constants, all others stay strings.
func termFor(value any) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if strings.HasPrefix(v, "/") {
			name, err := ast.Name(v)
			if err != nil {
				return nil, err
			}
			return name, nil
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
}

func valueOf(term ast.BaseTerm) any {
	switch v := term.(type) {
	case ast.Constant:
		switch v.Type {
		case ast.NumberType:
			return v.NumValue
		case ast.Float64Type:
			return math.Float64frombits(uint64(v.NumValue))
		case ast.StringType, ast.NameType:
			return v.Symbol
		default:
			return v.String()
		}
	case ast.Variable:
		return v.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}
