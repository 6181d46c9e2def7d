// Package zbchain defines the minimal chain-of-hops data model the core
// consumes (spec.md §3): each hop is a mapping from string keys to string
// values. Parsing a config file into these types is an external concern
// (internal/zbconfig); the core only ever sees HopConfig/ChainConfig.
package zbchain

import (
	"strconv"

	"github.com/sebible/zbtunnel/internal/zberr"
)

// HopConfig is one hop's configuration: a mapping from string keys to
// string values, exactly as spec.md §3 describes.
type HopConfig map[string]string

// Get returns the value for key, and whether it was present.
func (h HopConfig) Get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// GetDefault returns the value for key, or def if absent or empty.
func (h HopConfig) GetDefault(key, def string) string {
	if v, ok := h[key]; ok && v != "" {
		return v
	}
	return def
}

// Require returns the value for key, or a ConfigMissingField error if
// absent or empty.
func (h HopConfig) Require(key string) (string, error) {
	v, ok := h[key]
	if !ok || v == "" {
		return "", zberr.Newf(zberr.ConfigMissingField, "missing required field %q", key)
	}
	return v, nil
}

// Transport returns the hop's "transport" key, defaulting to "raw" when
// omitted, per spec.md §6.
func (h HopConfig) Transport() string {
	return h.GetDefault("transport", "raw")
}

// HostPort returns the hop's host and numeric port, failing with
// HostMissing/PortMissing/BadAddress as appropriate.
func (h HopConfig) HostPort() (string, uint16, error) {
	host, ok := h.Get("host")
	if !ok || host == "" {
		return "", 0, zberr.New(zberr.HostMissing, "hop has no host")
	}
	portStr, ok := h.Get("port")
	if !ok || portStr == "" {
		return "", 0, zberr.New(zberr.PortMissing, "hop has no port")
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, zberr.Wrap(zberr.BadAddress, "port is not numeric: "+portStr, err)
	}
	return host, uint16(portNum), nil
}

// IntDefault parses key as an int, returning def if absent or invalid.
func (h HopConfig) IntDefault(key string, def int) int {
	v, ok := h.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// BoolDefault parses key as a bool, returning def if absent or invalid.
func (h HopConfig) BoolDefault(key string, def bool) bool {
	v, ok := h.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ChainConfig is the ordered list of hop configs a connection must traverse.
// The first hop additionally carries the tunnel's local endpoint and
// pool-policy overrides (spec.md §3).
type ChainConfig []HopConfig

// Len returns the number of hops in the chain.
func (c ChainConfig) Len() int { return len(c) }

// PoolPolicy describes the preconnect/max_reuse/recycle knobs, overridable
// per-tunnel on hop 0 and defaulting to the process-wide global values.
type PoolPolicy struct {
	Preconnect int
	MaxReuse   int
	Recycle    bool
}

// PoolPolicy extracts hop 0's preconnect/max_reuse/recycle overrides,
// falling back to the supplied global defaults. The distilled spec's
// mention of a "log_level"-keyed allow_reuse read is a known typo (spec.md
// §9 Open Questions); only "recycle" is honored here.
func (c ChainConfig) PoolPolicy(global PoolPolicy) PoolPolicy {
	if len(c) == 0 {
		return global
	}
	hop0 := c[0]
	return PoolPolicy{
		Preconnect: hop0.IntDefault("preconnect", global.Preconnect),
		MaxReuse:   hop0.IntDefault("max_reuse", global.MaxReuse),
		Recycle:    hop0.BoolDefault("recycle", global.Recycle),
	}
}

// LocalAddress returns hop 0's local_address, defaulting to "0.0.0.0".
func (c ChainConfig) LocalAddress() string {
	if len(c) == 0 {
		return "0.0.0.0"
	}
	return c[0].GetDefault("local_address", "0.0.0.0")
}

// LocalPort returns hop 0's local_port, defaulting to 8080.
func (c ChainConfig) LocalPort() int {
	if len(c) == 0 {
		return 8080
	}
	return c[0].IntDefault("local_port", 8080)
}
