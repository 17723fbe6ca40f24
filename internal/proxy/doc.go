package proxy

// Package proxy implements the per-worker proxy engine.
//
// It contains the SOCKS5 connection handler state machine, the optional
// HTTP forward proxy, the worker accept loop and process entry point, and
// the shared-listener plumbing the supervisor uses to hand one listening
// socket to every worker.
