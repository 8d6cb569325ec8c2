package store

// Package store persists scheduled tasks and moderation notes.
//
// Two drivers implement the same Store interface:
//   - "sqlite": the production driver; every mutation commits before the
//     call returns, so a task is durable before it is acknowledged
//   - "memory": for tests and ephemeral runs; not durable
