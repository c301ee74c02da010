// Package presence implements the floor presence registry and its fan-out
// broadcast protocol.
//
// Connections are tracked against floors through a ConnectionStore. Floor
// membership is never materialized: FloorIndex recomputes it from the store on
// every call. Broadcaster turns a floor's member set into per-recipient payloads
// and Router maps inbound transport events onto store mutations and broadcasts.
package presence
