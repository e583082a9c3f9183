package main

import (
	"fmt"

	"github.com/redpencil/rpio/internal/audit"
	"github.com/redpencil/rpio/internal/config"
	"github.com/redpencil/rpio/internal/discovery"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/inventory"
	"github.com/redpencil/rpio/internal/metrics"
	"github.com/redpencil/rpio/internal/sshclient"
	"github.com/redpencil/rpio/internal/tunnel"
)

// runtime holds the components a command needs, built from settings.
type runtime struct {
	cfg      config.Settings
	registry *hosts.Registry
	dialer   *sshclient.SSHDialer
	metrics  *metrics.Collector
	tunnels  *tunnel.Manager
	auditor  *audit.Auditor
}

func newRuntime(cfg config.Settings) (*runtime, error) {
	path := cfg.SSHConfig
	if path == "" {
		path = hosts.DefaultSSHConfigPath()
	}
	registry, err := hosts.LoadSSHConfig(path)
	if err != nil {
		return nil, err
	}
	registry = registry.Without(cfg.IgnoreHosts)

	dialer, err := sshclient.NewDialer(sshclient.Config{
		UseAgent:                        cfg.UseAgent,
		KnownHostsFile:                  cfg.KnownHosts,
		InsecureIgnoreMissingKnownHosts: !cfg.StrictHostKeys,
		Timeout:                         cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, registry: registry, dialer: dialer}
	rt.tunnels = tunnel.NewManager(tunnel.Options{
		Dialer:         dialer,
		Hosts:          registry,
		Resolve:        rt.resolver(),
		BindAddress:    cfg.BindAddress,
		HealthInterval: cfg.HealthInterval,
		HealthTimeout:  cfg.HealthTimeout,
		CleanupTimeout: cfg.CleanupTimeout,
	})
	rt.metrics = metrics.New(rt.tunnels.Sessions)
	rt.tunnels.OnEvent(rt.metrics.ObserveTransition)

	if !cfg.AuditDisabled {
		a, err := audit.Open(cfg.AuditDBPath(), cfg.AuditRetentionDays)
		if err != nil {
			logger.Warningf("tunnel audit disabled: %v", err)
		} else {
			rt.auditor = a
			rt.tunnels.OnEvent(a.Listener())
			if _, err := a.PurgeOlderThan(0); err != nil {
				logger.Warningf("%v", err)
			}
		}
	}
	return rt, nil
}

func (rt *runtime) prober() inventory.Prober {
	if rt.cfg.ProbeBackend == "engine" {
		return &inventory.EngineProbe{Dialer: rt.dialer, AppRoot: rt.cfg.AppRoot, Socket: rt.cfg.DockerSocket}
	}
	return &inventory.CLIProbe{Dialer: rt.dialer, AppRoot: rt.cfg.AppRoot}
}

func (rt *runtime) resolver() tunnel.ResolveFunc {
	if rt.cfg.ProbeBackend == "engine" {
		return inventory.EngineAddress(rt.cfg.DockerSocket)
	}
	return inventory.ContainerAddress
}

func (rt *runtime) engine() *discovery.Engine {
	return &discovery.Engine{Prober: rt.prober(), Workers: rt.cfg.ScanWorkers, Observer: rt.metrics}
}

func (rt *runtime) refresher() *discovery.Refresher {
	return discovery.NewRefresher(rt.engine(), rt.registry, rt.cfg.ScanTimeout)
}

func (rt *runtime) close() error {
	if rt.auditor == nil {
		return nil
	}
	if err := rt.auditor.Close(); err != nil {
		return fmt.Errorf("close audit database: %w", err)
	}
	return nil
}
