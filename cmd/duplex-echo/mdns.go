package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/enbility/zeroconf/v3"
)

const (
	serviceType = "_duplex-echo._tcp"
	domain      = "local."
)

// errNoService is returned when browsing ends without a usable entry.
var errNoService = errors.New("no echo server found")

// advertise announces an echo server listening on port.
func advertise(instance string, port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(
		instance,
		serviceType,
		domain,
		port,
		[]string{"engine=sealed"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register echo service: %w", err)
	}
	return server, nil
}

// discover browses for echo servers and returns the address of the first
// one that resolves.
func discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	go func() {
		_ = zeroconf.Browse(ctx, serviceType, domain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errNoService
			}
			if addr, ok := entryAddr(entry); ok {
				return addr, nil
			}
		case <-removed:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", errNoService, ctx.Err())
		}
	}
}

// entryAddr picks a dialable address, preferring IPv4.
func entryAddr(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port), true
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port), true
	}
	return "", false
}
