// Package reducer implements the single actor that owns the score table
// and the service table. It is the only writer of either: every other
// package observes state by subscribing to pkg/events or by reading the
// reducer's published snapshots (ScoresSnapshot, for the /scores HTTP
// handler). This mirrors the teacher's pkg/reconciler actor loop, but
// selects on the event bus instead of a ticker.
package reducer
