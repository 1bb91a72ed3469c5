package daemon

import (
	"net"
	"strconv"
	"strings"

	"github.com/couchbaselabs/gocbconnstr"
	"github.com/pkg/errors"
)

// ParsePeers reads the seed members of a group from a connection string such
// as `gcs://node-a:7600,node-b`. Addresses without a port use defaultPort.
func ParsePeers(connStr string, defaultPort int) ([]string, error) {
	if connStr == "" {
		return nil, nil
	}

	// gocbconnstr only knows the couchbase schemes, so ours is stripped first.
	if scheme, rest, ok := strings.Cut(connStr, "://"); ok {
		if scheme != "gcs" {
			return nil, errors.Errorf("unsupported peers scheme %q", scheme)
		}
		connStr = rest
	}

	connSpec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse peers connection string")
	}

	var peers []string
	for _, addr := range connSpec.Addresses {
		port := addr.Port
		if port <= 0 {
			port = defaultPort
		}
		peers = append(peers, net.JoinHostPort(addr.Host, strconv.Itoa(port)))
	}

	return peers, nil
}
