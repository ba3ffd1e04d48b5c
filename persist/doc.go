// Package persist provides message stores satisfying core.Persister.
//
// Stores are idempotent on run id: a second persistence call for a run that
// already has a message is ignored, so a retried finalization can never
// produce two assistant messages.
//
// InMemoryStore is volatile and intended for tests and demos. The sqlite
// subpackage provides a durable store.
package persist
