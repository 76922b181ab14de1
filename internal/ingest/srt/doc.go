// Package srt implements SRT (Secure Reliable Transport) ingest of capture
// record streams, including both listener-mode (Server) for accepting
// incoming publish connections and caller-mode (Caller) for pulling records
// from remote SRT sources.
package srt
