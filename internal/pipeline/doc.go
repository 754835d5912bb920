// Package pipeline owns the media-processing graph's lifecycle.
//
// Controller is the sole authority for state transitions: Null → Ready →
// {Playing ⇄ Paused}, with a terminal Halted state reachable from any built
// state. Bridge is the single goroutine allowed to invoke those transitions;
// every other execution context (the HTTP accept path, the fan-out delivery
// goroutines) communicates intent by posting to the bridge's ordered mailbox.
//
// The graph itself sits behind the Engine interface, implemented for
// production by the gstengine subpackage and by an in-memory fake in tests.
package pipeline
