// Package pool owns the set of upstream connectors. It boots one connector
// per enabled server from the settings snapshot, reconciles the set when the
// settings change (add, remove, enable, disable, config change) and fans
// connector lifecycle events out to the registry and the smart index.
//
// The connector map is read-mostly: reads take a shared lock, writes happen
// only during boot and reconcile. Reconcile work is serialized per server
// name so a disconnect and a re-initialize for the same server never race.
package pool
