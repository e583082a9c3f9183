package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/redpencil/rpio/internal/config"
	"github.com/redpencil/rpio/internal/logging"
)

var logger = loggo.GetLogger("rpio")

var (
	app = kingpin.New("rpio", "Discover compose apps on your SSH hosts and tunnel into their containers.")

	appsCmd = app.Command("apps", "Work with applications running on remote hosts.")

	listCmd  = appsCmd.Command("list", "Scan all hosts and print one app:host line per application.")
	listJSON = listCmd.Flag("json", "Print the full scan result as JSON.").Bool()

	watchCmd        = appsCmd.Command("watch", "Re-scan on a schedule and serve the status API.")
	watchStatusAddr = watchCmd.Flag("status-addr", "Address for the status API. Defaults to RPIO_STATUS_ADDR, then "+config.DefaultStatusAddr+".").String()

	tunnelCmd        = appsCmd.Command("tunnel", "Forward local ports to a container.")
	tunnelHost       = tunnelCmd.Flag("host", "SSH alias of the host.").Required().String()
	tunnelContainer  = tunnelCmd.Flag("container-name", "Container to forward to.").Required().String()
	tunnelForwards   = tunnelCmd.Flag("forward", "Forward as local:remote. Repeatable.").Short('L').Required().Strings()
	tunnelAppName    = tunnelCmd.Flag("app-name", "Application the container belongs to.").String()
	tunnelStatusAddr = tunnelCmd.Flag("status-addr", "Serve the status API on this address while tunnels are open. Defaults to RPIO_STATUS_ADDR.").String()

	hostedURLCmd  = appsCmd.Command("hosted-url", "Print the public URL of an application.")
	hostedURLHost = hostedURLCmd.Flag("host", "SSH alias of the host.").Required().String()
	hostedURLApp  = hostedURLCmd.Flag("app-name", "Application name.").Required().String()

	tunnelsCmd     = app.Command("tunnels", "Inspect tunnel sessions.")
	historyCmd     = tunnelsCmd.Command("history", "Show recorded tunnel state transitions.")
	historyLimit   = historyCmd.Flag("limit", "Number of events to show.").Default("50").Int()
	historyHost    = historyCmd.Flag("host", "Only show events for this host.").String()
	historySession = historyCmd.Flag("session", "Only show events for this session.").String()

	configCmd     = app.Command("config", "Manage the config file.")
	configInitCmd = configCmd.Command("init", "Write a config file with default values.")
)

func main() {
	app.HelpFlag.Short('h')
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Process()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case listCmd.FullCommand():
		err = runList(ctx, cfg, *listJSON)
	case watchCmd.FullCommand():
		err = runWatch(ctx, cfg, statusAddr(*watchStatusAddr, cfg.StatusAddr, config.DefaultStatusAddr))
	case tunnelCmd.FullCommand():
		err = runTunnel(ctx, cfg, tunnelArgs{
			host:       *tunnelHost,
			container:  *tunnelContainer,
			forwards:   *tunnelForwards,
			app:        *tunnelAppName,
			statusAddr: statusAddr(*tunnelStatusAddr, cfg.StatusAddr, ""),
		})
	case hostedURLCmd.FullCommand():
		err = runHostedURL(ctx, cfg, *hostedURLHost, *hostedURLApp)
	case historyCmd.FullCommand():
		err = runHistory(cfg, *historyLimit, *historyHost, *historySession)
	case configInitCmd.FullCommand():
		err = runConfigInit(cfg)
	}
	if err != nil {
		logger.Errorf("%s: %v", command, err)
		logging.Close()
		os.Exit(1)
	}
}

// statusAddr picks the first non-empty of the flag, the setting and fallback.
func statusAddr(flag, setting, fallback string) string {
	switch {
	case flag != "":
		return flag
	case setting != "":
		return setting
	}
	return fallback
}
