// Package storage holds what the execution store backends share: sentinel
// errors and tenant context helpers.
//
// Backends (memory, postgres, sqlite) implement transport.ExecutionStore.
package storage
