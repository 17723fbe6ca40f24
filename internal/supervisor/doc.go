package supervisor

// Package supervisor runs the worker process pool.
//
// It binds the shared listening socket exactly once, spawns workers as
// separate OS processes that inherit the socket, restarts any worker that
// exits unexpectedly, and merges the stats snapshots the workers stream
// back over their pipes. Worker crashes never touch the listener or the
// other workers.
