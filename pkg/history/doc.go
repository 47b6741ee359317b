// Package history rebuilds per-user conversation threads from the raw write
// log. It never touches checkpoints and is independent of live runs.
package history
