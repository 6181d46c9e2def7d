package zbchain

import "testing"

func TestHostPortMissing(t *testing.T) {
	h := HopConfig{}
	if _, _, err := h.HostPort(); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestHostPortBadPort(t *testing.T) {
	h := HopConfig{"host": "example.com", "port": "not-a-number"}
	if _, _, err := h.HostPort(); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}

func TestHostPortOK(t *testing.T) {
	h := HopConfig{"host": "example.com", "port": "8080"}
	host, port, err := h.HostPort()
	if err != nil {
		t.Fatalf("HostPort: %v", err)
	}
	if host != "example.com" || port != 8080 {
		t.Fatalf("got (%s, %d), want (example.com, 8080)", host, port)
	}
}

func TestPoolPolicyRecycleOnly(t *testing.T) {
	global := PoolPolicy{Preconnect: 0, MaxReuse: 4, Recycle: false}
	chain := ChainConfig{HopConfig{"log_level": "true", "recycle": "true"}}
	got := chain.PoolPolicy(global)
	if !got.Recycle {
		t.Fatalf("expected recycle=true honoring the recycle key, not log_level")
	}
}

func TestPoolPolicyDefaultsToGlobal(t *testing.T) {
	global := PoolPolicy{Preconnect: 2, MaxReuse: 8, Recycle: true}
	chain := ChainConfig{HopConfig{}}
	got := chain.PoolPolicy(global)
	if got != global {
		t.Fatalf("got %+v, want %+v", got, global)
	}
}

func TestTransportDefaultsToRaw(t *testing.T) {
	h := HopConfig{}
	if h.Transport() != "raw" {
		t.Fatalf("expected default transport %q, got %q", "raw", h.Transport())
	}
}
