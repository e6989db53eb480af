package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// LoadError aggregates every blocking finding from one load.
type LoadError struct {
	Errors []error
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("rule load failed with %d error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual errors to errors.Is/As.
func (e *LoadError) Unwrap() []error {
	return e.Errors
}

// IsLoadError returns true if err is a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// CompileFile compiles one rule document, choosing the format by extension.
func CompileFile(path string) ([]ir.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return CompileCUE(data, path)
	case ".yaml", ".yml":
		return CompileYAML(data, path)
	case ".json":
		return CompileJSON(data, path)
	default:
		return nil, fmt.Errorf("%s: unsupported rule document extension", path)
	}
}

// IsRuleDocument reports whether path has a rule document extension.
func IsRuleDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// SourceOption configures a DirSource.
type SourceOption func(*DirSource)

// WithLogger sets the logger for validation warnings.
func WithLogger(l *slog.Logger) SourceOption {
	return func(s *DirSource) {
		s.logger = l
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *Validator) SourceOption {
	return func(s *DirSource) {
		s.validator = v
	}
}

// DirSource loads rules from every document in a directory (not recursive).
// It implements engine.RuleSource.
type DirSource struct {
	dir       string
	validator *Validator
	logger    *slog.Logger
}

// NewDirSource creates a source reading dir.
func NewDirSource(dir string, opts ...SourceOption) *DirSource {
	s := &DirSource{
		dir:       dir,
		validator: NewValidator(facts.DefaultRegistry()),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory the source reads.
func (s *DirSource) Dir() string {
	return s.dir
}

// Files lists the rule documents in load order.
func (s *DirSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsRuleDocument(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LoadRules compiles and validates every document. Any compile error or
// error-severity finding fails the load; warnings are logged.
func (s *DirSource) LoadRules(ctx context.Context) ([]ir.Rule, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	var (
		rules []ir.Rule
		errs  []error
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		compiled, err := CompileFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, compiled...)
	}
	if len(errs) > 0 {
		return nil, &LoadError{Errors: errs}
	}

	if err := checkFindings(s.validator.ValidateSet(rules), s.logger); err != nil {
		return nil, err
	}
	return rules, nil
}

// StaticSource serves a fixed rule list. Used by the harness and tests.
type StaticSource struct {
	rules     []ir.Rule
	validator *Validator
	logger    *slog.Logger
}

// NewStaticSource creates a source over rules.
func NewStaticSource(rules []ir.Rule, opts ...SourceOption) *StaticSource {
	ds := NewDirSource("", opts...)
	copied := make([]ir.Rule, len(rules))
	copy(copied, rules)
	return &StaticSource{rules: copied, validator: ds.validator, logger: ds.logger}
}

// LoadRules validates and returns a copy of the rules.
func (s *StaticSource) LoadRules(_ context.Context) ([]ir.Rule, error) {
	if err := checkFindings(s.validator.ValidateSet(s.rules), s.logger); err != nil {
		return nil, err
	}
	out := make([]ir.Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func checkFindings(findings []ValidationError, logger *slog.Logger) error {
	var errs []error
	for _, f := range findings {
		if f.Severity == SeverityError {
			errs = append(errs, f)
			continue
		}
		logger.Warn("rule validation warning",
			"rule_id", f.RuleID,
			"code", f.Code,
			"field", f.Field,
			"message", f.Message,
		)
	}
	if len(errs) > 0 {
		return &LoadError{Errors: errs}
	}
	return nil
}
