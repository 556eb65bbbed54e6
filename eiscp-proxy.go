// eiscp-proxy
//
// Relays eISCP device discovery (the "ISCP" UDP broadcast protocol used by
// networked AV receivers) between network segments that do not forward
// broadcasts to each other.
//
// The proxy periodically broadcasts a discovery query on every configured
// interface and remembers each device that answers, together with the exact
// reply it sent. When a discovery query arrives from a controller, the cached
// replies are re-sent to it through a raw socket with the source address and
// port of the original device, so the controller sees a direct answer even
// though the device is on another subnet.
//
// Only IPv4 is supported, and root privileges are required for the raw
// socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Version can be set at build time with -ldflags "-X main.Version=x.y.z"
var Version = ""

func version() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func checkPrivileges() error {
	if os.Geteuid() != 0 {
		return errors.New("this application must be run as root")
	}
	return nil
}

func main() {
	cfg, err := parseConfig(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println("eiscp-proxy", version())
		os.Exit(0)
	}

	if err := checkPrivileges(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger, closer := newLogger(cfg.Debug)
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *Config, logger log.Logger) error {
	ifaces, err := resolveInterfaces(cfg.InterfaceNames, cfg.Port, interfaceIPv4)
	if err != nil {
		return err
	}
	cfg.Interfaces = ifaces
	for _, iface := range cfg.Interfaces {
		level.Debug(logger).Log("msg", "selected interface", "iface", iface.Name, "addr", iface.Address.Addr())
	}

	if !cfg.Debug && cfg.PIDFile != "" {
		pf, err := lockPIDFile(cfg.PIDFile)
		if err != nil {
			return err
		}
		defer pf.Close()
	}

	raw, err := newRawSender()
	if err != nil {
		return fmt.Errorf("raw sender: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	conn, err := listenDiscovery(ctx, int(cfg.Port))
	if err != nil {
		return err
	}

	proxy := newProxy(cfg, conn, raw, newBroadcaster(cfg.Interfaces, cfg.Port, logger), logger)
	level.Info(logger).Log("msg", "Daemon started successfully.", "version", version(), "port", cfg.Port,
		"interfaces", len(cfg.Interfaces), "timeout", cfg.Timeout)

	if err := proxy.Run(ctx); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "shutting down")
	return nil
}
