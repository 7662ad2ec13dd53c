// Package settings owns the single JSON settings document: parsing, caching,
// atomic persistence, environment-variable expansion, and change
// notifications.
//
// The document on disk keeps ${VAR} and $VAR references verbatim; the
// in-memory snapshot the rest of the hub reads has them expanded against the
// process environment. Snapshots are immutable: the store swaps a pointer
// under its write lock and readers never block.
//
// A corrupted or missing file never crashes the hub. In the default lenient
// mode it degrades to the empty document and logs the cause; strict mode (the
// --strict flag) turns the same condition into a startup error.
package settings
