package dialer

// Package dialer opens the upstream side of proxied connections.
//
// The direct dialer can pin its local address so that every outbound
// connection leaves through the chosen egress interface, which is the whole
// point of this proxy.
