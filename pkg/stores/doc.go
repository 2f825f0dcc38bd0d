// Package stores persists deployment state in SQLite: one record per node
// identity (identifier, target, attributes, input hash), the history of
// apply and destroy runs, and the event log of every run.
package stores
