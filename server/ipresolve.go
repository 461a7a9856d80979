package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"poolrpc/log"
)

// ErrNoSiteLocalAddress is returned when no interface has a private IPv4 address.
var ErrNoSiteLocalAddress = errors.New("server: no site-local IPv4 address")

// IPResolver finds the address to advertise: the first site-local,
// non-loopback IPv4 address of the host's interfaces. The result is cached
// until Reset.
type IPResolver struct {
	// addrs lists interface addresses; net.InterfaceAddrs when nil.
	addrs func() ([]net.Addr, error)

	mu sync.Mutex
	ip string
}

// ServerIP returns the cached address, resolving it on first use.
func (r *IPResolver) ServerIP() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ip != "" {
		return r.ip, nil
	}
	list := r.addrs
	if list == nil {
		list = net.InterfaceAddrs
	}
	addrs, err := list()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() || !ip.IsPrivate() {
			continue
		}
		r.ip = ip.String()
		log.FromContext(context.Background()).Infof("server ip: %s", r.ip)
		return r.ip, nil
	}
	return "", ErrNoSiteLocalAddress
}

// Reset drops the cached address.
func (r *IPResolver) Reset() {
	r.mu.Lock()
	r.ip = ""
	r.mu.Unlock()
}
