// Package history keeps a rolling SQLite log of the status records the
// bridge publishes, keyed by topic path.
//
// Rows are written by Repository.WriteState, which makes the repository a
// bridge state sink, and read back newest first by GetHistory for the
// diagnostics API. RunPruner deletes rows older than the retention window.
package history
