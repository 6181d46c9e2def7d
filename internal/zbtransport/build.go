package zbtransport

import (
	"encoding/base64"

	"github.com/sebible/zbtunnel/internal/zbchain"
	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// httpAuthHeader builds a "Basic ..." style header value from a hop's
// optional username/password, or "" if neither is set.
func httpAuthHeader(hop zbchain.HopConfig) string {
	user := hop.GetDefault("username", "")
	pass := hop.GetDefault("password", "")
	if user == "" && pass == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Stack wraps parent with the layer named by hop's "transport" key
// (spec.md §4.3 "hop build"), returning parent unchanged for "raw" (no
// layer). Unknown transport kinds fail with UnsupportedTransport.
func Stack(logger zblog.Logger, parent Transport, hop zbchain.HopConfig) (Transport, error) {
	switch hop.Transport() {
	case "raw":
		return parent, nil
	case "shadow":
		key, err := hop.Require("key")
		if err != nil {
			return nil, err
		}
		method := hop.GetDefault("method", "shadow")
		layer, err := NewShadow(logger.Fork("shadow").WithSubsystem(zblog.SubsystemCodec), parent, method, key)
		if err != nil {
			return nil, err
		}
		return layer, nil
	case "http":
		return NewHTTPConnect(logger.Fork("http").WithSubsystem(zblog.SubsystemTransport), parent, httpAuthHeader(hop)), nil
	case "https":
		host, err := hop.Require("host")
		if err != nil {
			return nil, err
		}
		sslType := hop.GetDefault("ssl_type", "sslv23")
		insecure := hop.BoolDefault("insecure_skip_verify", false)
		return NewHTTPSConnect(logger.Fork("https").WithSubsystem(zblog.SubsystemTransport), parent, host, sslType, httpAuthHeader(hop), insecure), nil
	case "socks5":
		user := hop.GetDefault("username", "")
		pass := hop.GetDefault("password", "")
		return NewSocks5(logger.Fork("socks5").WithSubsystem(zblog.SubsystemTransport), parent, user, pass), nil
	default:
		return nil, zberr.Newf(zberr.UnsupportedTransport, "unknown transport %q", hop.Transport())
	}
}
