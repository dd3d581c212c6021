// Package cache defines the versioned resource caches used by the offline
// controller. Each cache is a named key → response snapshot store; names carry
// the version tag so a generation can be dropped as a whole once a newer one
// activates. Two implementations are provided: a disk store under StoragePath
// (temp file + rename, staging directory for brand new caches) and an
// in-memory store for tests.
package cache
