package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/sebible/zbtunnel/internal/zbconfig"
	"github.com/sebible/zbtunnel/internal/zblog"
	"github.com/sebible/zbtunnel/internal/zbtransport"
	"github.com/sebible/zbtunnel/internal/zbtunnel"
)

const usage = `Usage: zbtunnel [-] <config_filename>

  With a leading '-', diagnostic output is steered to stderr and stdout is
  reserved for data (required when the config contains an io tunnel).
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	stderrOnly := false
	if len(args) > 0 && args[0] == "-" {
		stderrOnly = true
		args = args[1:]
	}
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	logger := zblog.New("zbtunnel", zblog.LevelInfo, zblog.SubsystemHost, zblog.SubsystemAll)

	cfg, err := zbconfig.Load(args[0])
	if err != nil {
		logger.ELogf("%v", err)
		return 2
	}
	logger.SetLevel(cfg.Global.LogLevel)
	logger.SetFilter(cfg.Global.LogFilter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go signalHandler(ctx, cancel, logger)

	tunnels, err := buildTunnels(ctx, cfg, logger, stderrOnly)
	if err != nil {
		logger.ELogf("%v", err)
		return 2
	}
	if len(tunnels) == 0 {
		logger.ELogf("no tunnels configured")
		return 2
	}

	var wg sync.WaitGroup
	var runFailed atomic.Bool
	for _, t := range tunnels {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				logger.ELogf("tunnel %q exited: %v", t.Name(), err)
				runFailed.Store(true)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	for _, t := range tunnels {
		t.Stop()
	}
	for _, t := range tunnels {
		_ = t.Wait()
	}
	wg.Wait()
	if runFailed.Load() {
		return 2
	}
	return 0
}

func buildTunnels(ctx context.Context, cfg *zbconfig.File, logger zblog.Logger, stderrOnly bool) ([]*zbtunnel.Tunnel, error) {
	var tunnels []*zbtunnel.Tunnel
	for name, chain := range cfg.Tunnels {
		tl := logger.Fork(name).WithSubsystem(zblog.SubsystemTunnel)
		if zbconfig.IsIoTunnel(name) {
			if !stderrOnly {
				return nil, fmt.Errorf("io tunnel %q requires the leading '-' flag", name)
			}
			stdio := zbtransport.NewStdio(tl.Fork("stdio").WithSubsystem(zblog.SubsystemTransport), os.Stdin, os.Stdout)
			t, err := zbtunnel.NewIo(ctx, chain, cfg.Global.PoolPolicy, tl, stdio)
			if err != nil {
				return nil, err
			}
			tunnels = append(tunnels, t)
			continue
		}
		t, err := zbtunnel.NewSocket(ctx, name, chain, cfg.Global.PoolPolicy, tl)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, nil
}

func signalHandler(ctx context.Context, cancel context.CancelFunc, logger zblog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, shutdownSignals...)
	defer signal.Stop(sig)
	select {
	case s := <-sig:
		logger.ILogf("received %v, shutting down", s)
		cancel()
	case <-ctx.Done():
	}
}
