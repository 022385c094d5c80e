// Package discovery advertises a relay on the local network over mDNS and
// finds relays advertised by others.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_sharedrop._tcp"
	Domain      = "local."

	// TXT keys published with every relay.
	MetaPath    = "path"
	MetaVersion = "version"
)

// Relay is one relay found on the network.
type Relay struct {
	Instance string
	HostName string
	Port     int
	IPs      []string
	Meta     map[string]string
}

// URL builds the websocket endpoint for the first usable address.
func (r Relay) URL() string {
	host := r.HostName
	if len(r.IPs) > 0 {
		host = r.IPs[0]
	}
	path := r.Meta[MetaPath]
	if path == "" {
		path = "/ws"
	}
	return "ws://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port)) + path
}

type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the relay. An empty instance name falls back to the
// hostname.
func (a *Advertiser) Start(instance string, port int, meta map[string]string) error {
	if instance == "" {
		instance = "sharedrop"
		if hostname, err := os.Hostname(); err == nil {
			instance = "sharedrop-" + hostname
		}
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, encodeTXT(meta), nil)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	a.server = server
	return nil
}

func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mDNS resolver: %w", err)
	}
	return &Resolver{resolver: r}, nil
}

// Browse streams relays until ctx is done.
func (r *Resolver) Browse(ctx context.Context) (<-chan Relay, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan Relay, 8)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browsing mDNS: %w", err)
	}

	go func() {
		defer close(results)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				select {
				case results <- fromEntry(entry):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return results, nil
}

// Lookup browses until ctx is done and returns every distinct relay seen.
func (r *Resolver) Lookup(ctx context.Context) ([]Relay, error) {
	found, err := r.Browse(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]Relay{}
	for relay := range found {
		seen[relay.Instance] = relay
	}

	relays := make([]Relay, 0, len(seen))
	for _, relay := range seen {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) Relay {
	relay := Relay{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Meta:     decodeTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		relay.IPs = append(relay.IPs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		relay.IPs = append(relay.IPs, ip.String())
	}
	return relay
}

func encodeTXT(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+meta[k])
	}
	return txt
}

func decodeTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok && k != "" {
			meta[k] = v
		}
	}
	return meta
}
