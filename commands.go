package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/redpencil/rpio/internal/audit"
	"github.com/redpencil/rpio/internal/compose"
	"github.com/redpencil/rpio/internal/config"
	"github.com/redpencil/rpio/internal/discovery"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/status"
	"github.com/redpencil/rpio/internal/tunnel"
)

func runList(ctx context.Context, cfg config.Settings, asJSON bool) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.engine().Scan(ctx, rt.registry.Hosts(), cfg.ScanTimeout)
	if err != nil {
		return err
	}
	for _, id := range res.FailedHosts() {
		logger.Warningf("%v", res.Errors[id])
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, line := range listLines(res) {
		fmt.Println(line)
	}
	return nil
}

// listLines returns one app:host line per application, in scan order.
func listLines(res *discovery.Result) []string {
	seen := make(map[string]bool)
	var lines []string
	for _, inst := range res.Instances {
		key := inst.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, key)
	}
	return lines
}

func runWatch(ctx context.Context, cfg config.Settings, addr string) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	refresher := rt.refresher()
	if _, err := refresher.Refresh(ctx); err != nil {
		return err
	}
	if err := refresher.Start(cfg.RefreshSchedule); err != nil {
		return err
	}
	defer refresher.Stop()

	srv := status.New(status.Options{Refresher: refresher, Tunnels: rt.tunnels, Metrics: rt.metrics})
	rt.tunnels.OnEvent(srv.Publish)
	return srv.ListenAndServe(ctx, addr)
}

type tunnelArgs struct {
	host       string
	container  string
	forwards   []string
	app        string
	statusAddr string
}

// parseForward parses "local:remote", or a single port used for both ends.
func parseForward(s string) (local, remote int, err error) {
	l, r, found := strings.Cut(s, ":")
	if !found {
		r = l
	}
	if local, err = strconv.Atoi(l); err != nil {
		return 0, 0, fmt.Errorf("invalid local port in %q", s)
	}
	if remote, err = strconv.Atoi(r); err != nil {
		return 0, 0, fmt.Errorf("invalid remote port in %q", s)
	}
	return local, remote, nil
}

func tunnelSpecs(args tunnelArgs) ([]tunnel.Spec, error) {
	specs := make([]tunnel.Spec, 0, len(args.forwards))
	for _, f := range args.forwards {
		local, remote, err := parseForward(f)
		if err != nil {
			return nil, err
		}
		spec := tunnel.Spec{HostID: hosts.ID(args.host), Container: args.container, LocalPort: local, RemotePort: remote}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// directCommand is the non-interactive invocation that recreates args.
func directCommand(args tunnelArgs) string {
	words := []string{"rpio", "apps", "tunnel", "--host", args.host}
	if args.app != "" {
		words = append(words, "--app-name", args.app)
	}
	words = append(words, "--container-name", args.container)
	for _, f := range args.forwards {
		words = append(words, "-L", f)
	}
	return shellquote.Join(words...)
}

func runTunnel(ctx context.Context, cfg config.Settings, args tunnelArgs) error {
	specs, err := tunnelSpecs(args)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if args.statusAddr != "" {
		srv := status.New(status.Options{Tunnels: rt.tunnels, Metrics: rt.metrics})
		rt.tunnels.OnEvent(srv.Publish)
		go func() {
			if err := srv.ListenAndServe(ctx, args.statusAddr); err != nil {
				logger.Warningf("status API: %v", err)
			}
		}()
	}

	var handles []*tunnel.Handle
	for _, spec := range specs {
		h, err := rt.tunnels.Open(ctx, spec)
		if err != nil {
			shutdown(rt, handles)
			return err
		}
		handles = append(handles, h)
		fmt.Printf("Opening tunnel on http://localhost:%d\n", spec.LocalPort)
	}
	fmt.Println("Next time you can run the following command directly:")
	fmt.Println("  " + directCommand(args))
	fmt.Println("Press Ctrl+C to exit")

	ended := make(chan *tunnel.Handle, len(handles))
	for _, h := range handles {
		go func() {
			<-h.Done()
			ended <- h
		}()
	}

	var failed error
	select {
	case <-ctx.Done():
	case h := <-ended:
		if snap := h.Snapshot(); snap.Failure != nil {
			failed = snap.Failure
		}
	}
	shutdown(rt, handles)
	return failed
}

// shutdownMargin is added to the manager's close budget when shutting down.
const shutdownMargin = 5 * time.Second

// shutdown closes every session and reports how each one ended.
func shutdown(rt *runtime, handles []*tunnel.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.tunnels.CloseBudget()+shutdownMargin)
	defer cancel()
	if err := rt.tunnels.CloseAll(ctx); err != nil {
		logger.Warningf("%v", err)
	}
	for _, h := range handles {
		snap := h.Snapshot()
		rt.metrics.ObserveClosed(snap)
		fmt.Fprintln(os.Stderr, snap.Summary())
	}
}

func runHostedURL(ctx context.Context, cfg config.Settings, host, app string) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	h, ok := rt.registry.Lookup(hosts.ID(host))
	if !ok {
		return fmt.Errorf("unknown host %q", host)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	conn, err := rt.dialer.Dial(dialCtx, h)
	if err != nil {
		return err
	}
	defer conn.Close()

	url, ok, err := compose.HostedURL(dialCtx, conn, compose.AppDir(cfg.AppRoot, app))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on %s has no %s set on its %s service", app, host, compose.HostEnvKey, compose.IdentifierService)
	}
	fmt.Println(url)
	return nil
}

func runHistory(cfg config.Settings, limit int, host, session string) error {
	if cfg.AuditDisabled {
		return errors.New("tunnel audit is disabled")
	}
	a, err := audit.Open(cfg.AuditDBPath(), cfg.AuditRetentionDays)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Query(audit.QueryOptions{HostID: host, SessionID: session, Limit: limit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tHOST\tCONTAINER\tPORTS\tTRANSITION\tREASON")
	for _, e := range res.Entries {
		fmt.Fprintf(w, "%s\t%.8s\t%s\t%s\t%d:%d\t%s -> %s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.SessionID, e.HostID, e.Container,
			e.LocalPort, e.RemotePort, e.FromState, e.ToState, e.Reason)
	}
	return w.Flush()
}

func runConfigInit(cfg config.Settings) error {
	path := cfg.ConfigFile
	if path == "" {
		path = config.DefaultConfigFile()
	}
	if err := config.WriteDefaultFile(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
