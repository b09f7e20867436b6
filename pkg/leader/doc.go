// Package leader elects the one scheduler instance allowed to match offers,
// advance recipes and fire triggers.
//
// A Campaign polls an Elector. While it holds the lease it runs the lead
// function under a context that is cancelled the moment the lease is lost,
// so a deposed instance stops scheduling before another one starts.
package leader
