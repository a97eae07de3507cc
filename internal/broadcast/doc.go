// Package broadcast is the delivery engine for pending outbound messages.
//
// A dispatch resolves the audience of a message (one agent, or every agent of
// a content group), claims the message by marking it sent, and then delivers
// to each recipient through a per-agent provider session.
//
// # Pacing
//
// Recipients are processed agent by agent. Within an agent they are split
// into chunks; a chunk is a barrier, and consecutive chunks are separated by
// Config.ChunkPause. A weighted semaphore bounds in-flight sends for the whole
// invocation, and each successful send holds its slot for Config.SendPause.
//
// # Outcomes
//
// Every attempt ends in a recipient status (see Classify) that is persisted
// immediately. Rate-limit signals are retried after the signalled wait, at
// most Config.RetryMax times. Only store failures and context cancellation
// abort a dispatch; the message stays claimed either way.
package broadcast
