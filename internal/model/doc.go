// Package model defines the domain types and value objects for the dynport
// port allocator.
//
// This package contains pure data structures with no I/O. The single
// durable entity is State, the record persisted to the shared state file.
// Every other package (store, lock, port, server, cli) passes State values
// around and relies on the invariants documented on its fields.
//
// The package also defines the error taxonomy (ErrPoolExhausted,
// ErrLockTimeout, ...), exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
