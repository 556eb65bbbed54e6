package main

import (
	"encoding/hex"
	"fmt"
	"io"
	stdsyslog "log/syslog"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-kit/log/syslog"
)

const syslogTag = "eiscp-proxy"

// newLogger returns the process logger. In debug mode everything goes to
// stderr as logfmt; otherwise info and above go to the system log. The
// returned closer releases the syslog connection.
func newLogger(debug bool) (log.Logger, io.Closer) {
	if debug {
		return level.NewFilter(newConsoleLogger(os.Stderr), level.AllowDebug()), nopCloser{}
	}

	w, err := stdsyslog.New(stdsyslog.LOG_INFO|stdsyslog.LOG_USER, syslogTag)
	if err != nil {
		logger := level.NewFilter(newConsoleLogger(os.Stderr), level.AllowInfo())
		level.Warn(logger).Log("msg", "system log unavailable, logging to stderr", "err", err)
		return logger, nopCloser{}
	}
	logger := syslog.NewSyslogLogger(w, log.NewLogfmtLogger)
	return level.NewFilter(logger, level.AllowInfo()), w
}

func newConsoleLogger(w io.Writer) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// dumpPacket writes a hex dump of data under a title line.
func dumpPacket(w io.Writer, title string, data []byte) {
	if w == nil {
		return
	}
	if title != "" {
		fmt.Fprintf(w, "%s:\n", title)
	}
	io.WriteString(w, hex.Dump(data))
}

// dumpDevices writes the registry contents, one hex dump per device.
func dumpDevices(w io.Writer, devices []Device) {
	if w == nil {
		return
	}
	for _, d := range devices {
		fmt.Fprintf(w, "Device %s, last updated %s, payload %d bytes\n",
			d.Source, d.LastSeen.Format("2006-01-02 15:04:05"), len(d.Payload))
		dumpPacket(w, "", d.Payload)
	}
}
