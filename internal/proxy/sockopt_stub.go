//go:build !linux && !darwin && !freebsd

package proxy

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
