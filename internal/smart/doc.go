// Package smart implements the smart-routing index: tool descriptions are
// embedded through an OpenAI-compatible endpoint and stored in a
// pgvector-backed table, so callers can rank tools by semantic similarity
// to a free-text query instead of knowing their names.
//
// The index tracks the registry's global view. Refreshes are kicked by
// connector events and settings changes, collapse bursts through a debounce
// timer plus singleflight, and skip rows whose embedded text is unchanged.
// When the database cannot rank by cosine distance the search degrades to
// an unranked scan with placeholder similarities, warned once per process.
package smart
