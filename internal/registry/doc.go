// Package registry materializes scope-filtered tool views over the
// connector pool. A view applies the visibility rules (connected servers
// only, per-tool overrides already folded in by the connectors, group
// member rules) and the name-collision policy: a tool keeps its bare name
// unless another in-view server exposes the same name, in which case every
// duplicate is exposed as "{server}/{tool}".
package registry
