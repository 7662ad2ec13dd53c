// Package api holds the types shared across the hub's layers: the error
// taxonomy with its stable kinds, connector status and events, scopes, and
// the canonical tool/prompt/resource views.
//
// Every other internal package imports api; api imports none of them. That
// keeps the layering strict (gateway → dispatch → registry → pool →
// upstream) with the reverse direction carried only by ConnectorEvent
// broadcasts, never back-pointers.
package api
