package config

import (
	"math/rand"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var multiPortMatcher = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// MultiPort is a forward target expressed as a host plus a contiguous
// port range, letting a single tunnel fan out to several backend
// listeners (e.g. a pool of game servers behind one kcptun endpoint).
type MultiPort struct {
	Host    string
	MinPort uint64
	MaxPort uint64
}

// ParseMultiPort parses "host:port" or "host:minport-maxport".
func ParseMultiPort(addr string) (*MultiPort, error) {
	matches := multiPortMatcher.FindStringSubmatch(addr)
	if len(matches) < 3 {
		return nil, errors.Errorf("config: malformed address %q", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing min port")
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, errors.Wrap(err, "config: parsing max port")
		}
	}

	if minPort > maxPort || minPort == 0 || maxPort == 0 || maxPort > 65535 {
		return nil, errors.Errorf("config: invalid port range %d-%d", minPort, maxPort)
	}

	return &MultiPort{Host: matches[1], MinPort: uint64(minPort), MaxPort: uint64(maxPort)}, nil
}

// PickPort returns a uniformly random port in [MinPort, MaxPort], used
// each time the server dials a fresh downstream connection so load is
// spread across the configured range.
func (m *MultiPort) PickPort() uint64 {
	if m.MinPort == m.MaxPort {
		return m.MinPort
	}
	return m.MinPort + uint64(rand.Intn(int(m.MaxPort-m.MinPort+1)))
}
