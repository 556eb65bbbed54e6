package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"
)

const (
	defaultTimeout    = 5
	defaultMaxDevices = 256
	defaultPIDFile    = "/var/run/eiscp-proxy.pid"
)

var (
	errNoInterfaces = errors.New("no interfaces specified; the -i option is mandatory")
	errNoIPv4       = errors.New("no IPv4 address found on interface")
)

// InterfaceBinding is an interface the relay broadcasts from, with the
// address its discovery socket binds to.
type InterfaceBinding struct {
	Name    string
	Address netip.AddrPort
}

// Config is set once at startup and read-only afterwards.
type Config struct {
	Debug          bool
	Timeout        time.Duration
	Port           uint16
	Strict         bool
	MaxDevices     int
	PIDFile        string
	InterfaceNames []string
	Interfaces     []InterfaceBinding
	ShowVersion    bool
}

// parseConfig parses the command line. Interfaces are only named here;
// resolveInterfaces binds them to addresses.
func parseConfig(name string, args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	ifaces := fs.String("i", "", "Comma-separated list of interfaces (mandatory)")
	debug := fs.Bool("d", false, "Debug mode: stay on the console, log every packet")
	timeout := fs.Int("t", defaultTimeout, "Discovery interval in seconds")
	port := fs.Int("p", discoveryPort, "eISCP discovery UDP port")
	strict := fs.Bool("strict", false, "Drop packets whose eISCP header sizes do not match the datagram")
	maxDevices := fs.Int("max-devices", defaultMaxDevices, "Maximum number of cached devices (0 = unlimited)")
	pidFile := fs.String("pidfile", defaultPIDFile, "PID file used outside debug mode (empty to disable)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "eiscp-proxy\n\nUsage: %s -i interface1,interface2 [options]\n\n", name)
		fmt.Fprintln(output, "Relays eISCP device discovery between network segments.")
		fmt.Fprintln(output, "\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Debug:       *debug,
		Strict:      *strict,
		PIDFile:     *pidFile,
		ShowVersion: *showVersion,
	}
	if cfg.ShowVersion {
		return cfg, nil
	}

	if *timeout < 1 {
		return nil, fmt.Errorf("invalid timeout %d: must be at least 1 second", *timeout)
	}
	cfg.Timeout = time.Duration(*timeout) * time.Second

	if *port < 1 || *port > 65535 {
		return nil, fmt.Errorf("invalid port %d", *port)
	}
	cfg.Port = uint16(*port)

	if *maxDevices < 0 {
		return nil, fmt.Errorf("invalid -max-devices %d", *maxDevices)
	}
	cfg.MaxDevices = *maxDevices

	cfg.InterfaceNames = splitInterfaceList(*ifaces)
	if len(cfg.InterfaceNames) == 0 {
		return nil, errNoInterfaces
	}
	return cfg, nil
}

func splitInterfaceList(list string) []string {
	var names []string
	seen := map[string]bool{}
	for token := range strings.SplitSeq(list, ",") {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		names = append(names, token)
	}
	return names
}

// resolveInterfaces binds every named interface to its IPv4 address,
// keeping the command line order. Any failure is fatal for the caller.
func resolveInterfaces(names []string, port uint16, lookup func(string) (netip.Addr, error)) ([]InterfaceBinding, error) {
	if len(names) == 0 {
		return nil, errNoInterfaces
	}
	bindings := make([]InterfaceBinding, 0, len(names))
	for _, name := range names {
		addr, err := lookup(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		bindings = append(bindings, InterfaceBinding{
			Name:    name,
			Address: netip.AddrPortFrom(addr, port),
		})
	}
	return bindings, nil
}

// interfaceIPv4 returns the first IPv4 address assigned to the interface.
func interfaceIPv4(name string) (netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("addresses for %s: %w", name, err)
	}
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return netip.AddrFrom4([4]byte(ip4)), nil
		}
	}
	return netip.Addr{}, errNoIPv4
}
