// Package storage is the sqlite persistence layer for the posting bot.
//
// Entities are plain structs; access goes through per-entity repositories.
// Multi-step state transitions run inside Store.InTx so a crash can never
// leave a half-applied transition (e.g. a lock without the matching queue
// deletion).
package storage
