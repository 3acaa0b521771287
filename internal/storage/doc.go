// Package storage provides the relay's optional persistence layer.
//
// It currently supports:
//   - Delivery journal appends (one entry per Zulip send attempt)
//   - Dedup windows of the Zulip log handler (to survive restarts)
package storage
