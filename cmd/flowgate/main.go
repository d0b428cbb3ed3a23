package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/core"
	"github.com/flowgate/flowgate/internal/intercept"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sched"
	"github.com/flowgate/flowgate/pkg/ebpf"
	"github.com/flowgate/flowgate/pkg/xlog"
)

func main() {
	xlog.Infof("Starting flowgate...")

	cfg := config.Load()
	if !cfg.Valid() {
		xlog.Errorf("%s and %s must be set to positive values",
			config.EnvMaxActiveFlows, config.EnvEpochUS)
	}

	reg := registry.New()
	gw := ebpf.NewRwndMap(cfg.MapPinPath)
	ops := intercept.NewSysOps()
	ctx := sched.NewContext(cfg, reg, gw, ops.TriggerAck)
	hooks := intercept.NewHooks(cfg, ops, ctx, gw)

	// The scheduler thread lives for the whole process; it has no
	// shutdown protocol.
	go ctx.Run()

	srv := core.NewServer(cfg, hooks, ctx, gw)
	if err := srv.Start(); err != nil {
		xlog.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	xlog.Infof("Shutting down listener...")
	srv.Stop()
	if err := gw.Close(); err != nil {
		xlog.Warnf("Failed to close flow map: %v", err)
	}
	xlog.Infof("Server exited")
}
