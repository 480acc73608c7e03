// Package types holds the shared domain types: hosts, report types,
// config value kinds, and the flexible duration format used across
// endpoint and scheduler configuration.
package types

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Host identifies a downstream node by hostname and port.
// Hosts are comparable and safe to use as map keys.
type Host struct {
	Hostname string
	Port     int
}

// NewHost parses a "<hostname>:<port>" string. The scheme and trailing
// slash are optional; a missing port leaves Port at 0 (it can only be
// resolved later against the set of known hosts).
func NewHost(s string) (Host, error) {
	u, err := url.Parse(formatHostURL(s))
	if err != nil {
		return Host{}, fmt.Errorf("invalid host %q: %w", s, err)
	}
	if u.Hostname() == "" {
		return Host{}, fmt.Errorf("invalid host %q: no hostname", s)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Host{}, fmt.Errorf("invalid port in host %q: %w", s, err)
		}
	}
	return Host{Hostname: u.Hostname(), Port: port}, nil
}

// HasPort reports whether the host carries an explicit port.
func (h Host) HasPort() bool { return h.Port != 0 }

// URL returns the canonical base URL "http://hostname:port/".
func (h Host) URL() string {
	if !h.HasPort() {
		return fmt.Sprintf("http://%s/", h.Hostname)
	}
	return fmt.Sprintf("http://%s:%d/", h.Hostname, h.Port)
}

// JoinEndpoint returns the URL for an endpoint on this host.
func (h Host) JoinEndpoint(endpoint string) string {
	return h.URL() + strings.TrimPrefix(endpoint, "/")
}

// String renders the host as "hostname:port", or just the hostname if no
// port is known.
func (h Host) String() string {
	if !h.HasPort() {
		return h.Hostname
	}
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// PrintHosts renders a host list as "[h1:p1, h2:p2]" for log messages.
func PrintHosts(hosts []Host) string {
	strs := make([]string, len(hosts))
	for i, h := range hosts {
		strs[i] = h.String()
	}
	return "[" + strings.Join(strs, ", ") + "]"
}

// SortHosts orders hosts by hostname, then port. Used where deterministic
// iteration over host sets matters (logs, tests).
func SortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Hostname != hosts[j].Hostname {
			return hosts[i].Hostname < hosts[j].Hostname
		}
		return hosts[i].Port < hosts[j].Port
	})
}

// formatHostURL turns a bare "<host>:<port>" into a proper HTTP URI.
func formatHostURL(host string) string {
	if !strings.HasPrefix(host, "http://") {
		host = "http://" + host
	}
	if !strings.HasSuffix(host, "/") {
		host = host + "/"
	}
	return host
}
