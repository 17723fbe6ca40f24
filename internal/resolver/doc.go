package resolver

// Package resolver turns hostnames into IP addresses for the SOCKS5
// CONNECT path.
//
// It walks an ordered chain of nameservers with a bounded per-attempt
// timeout, falling through to the next entry on failure. Literal IP targets
// bypass resolution. Positive answers are cached for the shorter of the
// record TTL and the configured bound; failures are never cached.
