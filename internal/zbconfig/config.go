// Package zbconfig loads a ZbTunnel config file into the core's
// zbchain.ChainConfig/PoolPolicy types (spec.md §6), using
// github.com/spf13/viper for the underlying JSON-shaped parsing. Grounded in
// jroosing-HydraDNS's internal/config/config.go viper-based loader.
package zbconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/sebible/zbtunnel/internal/zbchain"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// ioTunnelKey is the special top-level key designating the io tunnel.
const ioTunnelKey = "-"

// globalKey is the special top-level key holding process-wide defaults.
const globalKey = "global"

// File is a fully-loaded configuration: every tunnel's chain, plus the
// process-wide global defaults.
type File struct {
	Tunnels map[string]zbchain.ChainConfig
	Global  Global
}

// Global holds spec.md §6's "global" block.
type Global struct {
	LogFilter  zblog.Subsystem
	LogLevel   zblog.Level
	PoolPolicy zbchain.PoolPolicy
}

// IsIoTunnel reports whether name designates the io tunnel.
func IsIoTunnel(name string) bool { return name == ioTunnelKey }

// Load reads and parses the config file at path.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("zbconfig: reading %s: %w", path, err)
	}

	file := &File{Tunnels: make(map[string]zbchain.ChainConfig)}
	file.Global = parseGlobal(v.Sub(globalKey))

	ioSeen := false
	for name := range v.AllSettings() {
		if name == globalKey {
			continue
		}
		raw, ok := v.Get(name).([]interface{})
		if !ok {
			return nil, fmt.Errorf("zbconfig: tunnel %q: expected an array of hops", name)
		}
		chain, err := parseChain(raw)
		if err != nil {
			return nil, fmt.Errorf("zbconfig: tunnel %q: %w", name, err)
		}
		file.Tunnels[name] = chain
		if IsIoTunnel(name) {
			ioSeen = true
		}
	}

	if ioSeen && len(file.Tunnels) > 1 {
		return nil, fmt.Errorf("zbconfig: %q must be the only tunnel when present", ioTunnelKey)
	}
	return file, nil
}

func parseGlobal(sub *viper.Viper) Global {
	g := Global{
		LogLevel: zblog.LevelInfo,
		PoolPolicy: zbchain.PoolPolicy{
			Preconnect: 0,
			MaxReuse:   4,
			Recycle:    true,
		},
	}
	if sub == nil {
		return g
	}
	if lf := sub.GetString("log_filter"); lf != "" {
		g.LogFilter = parseLogFilter(lf)
	} else {
		g.LogFilter = zblog.SubsystemAll
	}
	if ll := sub.GetString("log_level"); ll != "" {
		g.LogLevel = zblog.StringToLevel(ll)
	}
	if sub.IsSet("preconnect") {
		g.PoolPolicy.Preconnect = sub.GetInt("preconnect")
	}
	if sub.IsSet("max_reuse") {
		g.PoolPolicy.MaxReuse = sub.GetInt("max_reuse")
	}
	if sub.IsSet("recycle") {
		g.PoolPolicy.Recycle = sub.GetBool("recycle")
	}
	return g
}

// parseLogFilter accepts either a single subsystem name or a comma-separated
// list, matching the original's per-subsystem DEBUG_* tag names.
func parseLogFilter(s string) zblog.Subsystem {
	names := map[string]zblog.Subsystem{
		"codec":      zblog.SubsystemCodec,
		"transport":  zblog.SubsystemTransport,
		"connection": zblog.SubsystemConnection,
		"pool":       zblog.SubsystemPool,
		"tunnel":     zblog.SubsystemTunnel,
		"host":       zblog.SubsystemHost,
		"all":        zblog.SubsystemAll,
	}
	var mask zblog.Subsystem
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if bit, ok := names[s[start:i]]; ok {
				mask |= bit
			}
			start = i + 1
		}
	}
	if mask == 0 {
		return zblog.SubsystemAll
	}
	return mask
}

func parseChain(raw []interface{}) (zbchain.ChainConfig, error) {
	chain := make(zbchain.ChainConfig, 0, len(raw))
	for i, hopRaw := range raw {
		m, ok := hopRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("hop %d: expected an object", i)
		}
		hop := make(zbchain.HopConfig, len(m))
		for k, v := range m {
			hop[k] = fmt.Sprintf("%v", v)
		}
		chain = append(chain, hop)
	}
	return chain, nil
}
