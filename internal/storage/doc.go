// Package storage persists jobs, per-chat settings, the user whitelist,
// the audit trail and notifier dedup state.
//
// Drivers:
//   - "sqlite": SQLite file through sqlx, schema managed by golang-migrate
//   - "memory": mutex-guarded maps, lost on restart
//
// Cross-process coordination relies on two operations: Claim, a guarded
// status transition, and InsertWithLimit, a count-and-insert in one
// transaction.
package storage
