package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
	"go.olrik.dev/diskferry/internal/daemon"
	"go.olrik.dev/diskferry/internal/db"
)

// transferFlags collects the options shared by import and export.
type transferFlags struct {
	key  string
	cert string
	ca   string

	bind string
	ipv4 bool
	ipv6 bool

	host string
	port string

	connectRetries int
	connectTimeout int

	compress     string
	expectedSize string
	magic        string
	cmdPrefix    string
	cmdSuffix    string
}

func addTransferFlags(cmd *cobra.Command, f *transferFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.key, "key", "", "path to the TLS key")
	flags.StringVar(&f.cert, "cert", "", "path to the TLS certificate")
	flags.StringVar(&f.ca, "ca", "", "path to the CA certificate")
	flags.StringVar(&f.bind, "bind", "", "local address to bind to")
	flags.BoolVar(&f.ipv4, "ipv4", false, "restrict to IPv4")
	flags.BoolVar(&f.ipv6, "ipv6", false, "restrict to IPv6")
	flags.StringVar(&f.host, "host", "", "remote host (export mode)")
	flags.StringVar(&f.port, "port", "", "remote port or service name (export mode)")
	flags.IntVar(&f.connectRetries, "connect-retries", 0, "connection attempts before giving up (export mode)")
	flags.IntVar(&f.connectTimeout, "connect-timeout", 60, "seconds to wait for the connection, 0 disables the deadline")
	flags.StringVar(&f.compress, "compress", core.CompressNone, "compression method (none, gzip, gzip-fast, gzip-slow, lzop)")
	flags.StringVar(&f.expectedSize, "expected-size", "", `expected size in MiB, or "custom" for runtime size reporting`)
	flags.StringVar(&f.magic, "magic", "", "transfer magic forwarded to the helpers")
	flags.StringVar(&f.cmdPrefix, "cmd-prefix", "", "opaque string merged before the copier command")
	flags.StringVar(&f.cmdSuffix, "cmd-suffix", "", "opaque string merged after the copier command")
	cmd.MarkFlagsMutuallyExclusive("ipv4", "ipv6")
}

// buildConfig turns the parsed flags into an immutable run configuration.
func buildConfig(cmd *cobra.Command, f *transferFlags, mode core.Mode, statusFile string) (core.Config, error) {
	cfg := core.Config{
		Mode:           mode,
		StatusFile:     statusFile,
		ConnectRetries: f.connectRetries,
		Compress:       f.compress,
		Key:            f.key,
		Cert:           f.cert,
		CA:             f.ca,
		Bind:           f.bind,
		Host:           f.host,
		Magic:          f.magic,
		CmdPrefix:      f.cmdPrefix,
		CmdSuffix:      f.cmdSuffix,
	}

	timeout := f.connectTimeout
	if !cmd.Flags().Changed("connect-timeout") && core.Settings != nil {
		timeout = core.Settings.GetInt("connect_timeout")
	}
	if timeout < 0 {
		return cfg, fmt.Errorf("connect timeout must not be negative")
	}
	cfg.ConnectTimeout = time.Duration(timeout) * time.Second

	if core.Settings != nil {
		cfg.Linger = time.Duration(core.Settings.GetInt("linger")) * time.Second
	}

	size, err := core.ParseExpectedSize(f.expectedSize)
	if err != nil {
		return cfg, err
	}
	cfg.ExpectedSize = size

	if f.port != "" {
		port, err := core.ResolvePort(f.port)
		if err != nil {
			return cfg, err
		}
		cfg.Port = port
	}

	switch {
	case f.ipv4:
		cfg.IPFamily = core.FamilyIPv4
	case f.ipv6:
		cfg.IPFamily = core.FamilyIPv6
	}

	if path, err := cmd.Root().PersistentFlags().GetString("event-db"); err == nil {
		cfg.EventDB = path
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runTransfer builds the configuration, opens the optional event journal,
// and hands control to the supervisor. The supervisor's exit code becomes
// the process exit code.
func runTransfer(cmd *cobra.Command, f *transferFlags, mode core.Mode, statusFile string) error {
	cfg, err := buildConfig(cmd, f, mode, statusFile)
	if err != nil {
		return err
	}

	var journal *db.DB
	if cfg.EventDB != "" {
		journal, err = db.Open(cfg.EventDB)
		if err != nil {
			// Journalling is diagnostic only; a broken journal must not
			// stop the transfer.
			slog.Warn("Failed to open event journal, continuing without it",
				"path", cfg.EventDB, "error", err)
			journal = nil
		} else {
			defer journal.Close()
		}
	}

	code := daemon.New(cfg, journal).Run()
	if code != daemon.ExitSuccess {
		if journal != nil {
			journal.Close()
		}
		os.Exit(code)
	}
	return nil
}
