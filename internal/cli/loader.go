package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/loyalty/internal/compiler"
	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// LoadResult contains the rules compiled from a directory.
type LoadResult struct {
	Rules    []ir.Rule
	Files    []string
	Findings []compiler.ValidationError // validator output, errors and warnings
}

// LoadError represents an error that occurred while loading rule documents.
type LoadError struct {
	Code    string
	Message string
	File    string
	Line    int
}

func (e *LoadError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Code, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadRules compiles every rule document in dir and runs the validator
// over the combined set. A nil result means the directory itself could not
// be used; otherwise the returned errors are per-document compile failures.
func LoadRules(dir string) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing rules directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := compiler.NewDirSource(dir).Files()
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no rule documents found in %s", dir)}}
	}

	result := &LoadResult{Files: files}
	var errs []error
	for _, path := range files {
		rules, err := compiler.CompileFile(path)
		if err != nil {
			errs = append(errs, convertCompileError(err, path))
			continue
		}
		result.Rules = append(result.Rules, rules...)
	}

	if len(result.Rules) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no rules found in %s", dir)})
	}
	result.Findings = compiler.NewValidator(facts.DefaultRegistry()).ValidateSet(result.Rules)
	return result, errs
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, path string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		le := &LoadError{
			Code:    ErrCodeLoadFailed,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			File:    path,
		}
		if compileErr.Pos.IsValid() {
			le.Line = compileErr.Pos.Line()
		}
		return le
	}
	return &LoadError{
		Code:    ErrCodeLoadFailed,
		Message: err.Error(),
		File:    path,
	}
}

// Error code constants, unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No rule documents found
	ErrCodeLoadFailed  = "E004" // Rule document failed to compile
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeConfig      = "E006" // Configuration invalid
	ErrCodeStorage     = "E007" // Store or journal unavailable
	ErrCodeInvalidEvt  = "E008" // Event payload malformed
	ErrCodeRejected    = "E009" // Event rejected by validation
	ErrCodeNoPolicy    = "E010" // Market has no expiration policy
	ErrCodeTestFailed  = "E_TEST_FAILED"
	ErrCodeReplayError = "E_REPLAY_FAILED"
)
