// Package pdb reads Microsoft PDB files on top of the msf and codeview
// packages.
package pdb

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrInvalidStream indicates a corrupted or invalid stream. Every
	// ParseError matches it.
	ErrInvalidStream = errors.New("pdb: invalid stream")

	// ErrStreamNotFound indicates an optional stream is absent.
	ErrStreamNotFound = errors.New("pdb: stream not found")

	// ErrTypeNotFound indicates a type index was not found.
	ErrTypeNotFound = errors.New("pdb: type not found")

	// ErrSymbolNotFound indicates a symbol was not found.
	ErrSymbolNotFound = errors.New("pdb: symbol not found")

	// ErrModuleNotFound indicates a module was not found.
	ErrModuleNotFound = errors.New("pdb: module not found")

	// ErrFileClosed indicates the PDB file has been closed.
	ErrFileClosed = errors.New("pdb: file is closed")
)

// ParseError provides detailed information about parsing failures.
type ParseError struct {
	Stream  string // Stream name where error occurred
	Offset  int64  // Byte offset within stream
	Message string // Description of the error
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pdb: parse error in %s at offset 0x%x: %s: %v",
			e.Stream, e.Offset, e.Message, e.Err)
	}
	return fmt.Sprintf("pdb: parse error in %s at offset 0x%x: %s",
		e.Stream, e.Offset, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrInvalidStream }
