// Package events implements the bounded broadcast bus that carries
// NodeJoined, EwmaCalculated, and ServiceChanged messages from the
// measurement-pipeline producers to the reducer. Producers know only the
// bus; the reducer knows only Event. There is no producer-to-reducer
// pointer graph.
package events
