package core

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName = ".config/diskferry"
	EventDBName = "events.db"
)

// Mode selects the direction of the transfer.
type Mode string

const (
	ModeImport Mode = "import"
	ModeExport Mode = "export"
)

// IPFamily restricts the address family used by the socket relay.
type IPFamily int

const (
	FamilyAny  IPFamily = 0
	FamilyIPv4 IPFamily = 4
	FamilyIPv6 IPFamily = 6
)

// SizeKind describes how the expected transfer size is determined.
type SizeKind int

const (
	// SizeUnknown disables percent/ETA reporting.
	SizeUnknown SizeKind = iota
	// SizeFixed means the caller supplied the size in MiB up front.
	SizeFixed
	// SizeCustom means the export-side helper reports the actual byte
	// count at runtime through a dedicated pipe.
	SizeCustom
)

// ExpectedSize is the caller's declaration of how large the transfer is.
type ExpectedSize struct {
	Kind SizeKind
	MiB  int64
}

// SizeCustomKeyword is the --expected-size sentinel selecting runtime size
// reporting.
const SizeCustomKeyword = "custom"

// CompressNone disables the compressor stage.
const CompressNone = "none"

// compressMethods maps each supported method to the binary that is probed
// before the transfer starts.
var compressMethods = map[string]string{
	"gzip":      "gzip",
	"gzip-fast": "gzip",
	"gzip-slow": "gzip",
	"lzop":      "lzop",
}

var magicRe = regexp.MustCompile(`^[-_.a-zA-Z0-9]+$`)

// Config holds everything a single transfer run needs. It is built once
// from the CLI and passed by value into the supervisor; nothing mutates it
// afterwards.
type Config struct {
	Mode       Mode
	StatusFile string

	ConnectTimeout time.Duration
	ConnectRetries int

	// Linger is the grace period between SIGTERM and SIGKILL on
	// shutdown; 0 selects the built-in default.
	Linger time.Duration

	Compress     string
	ExpectedSize ExpectedSize

	// TLS material and endpoint details are opaque here; they only flow
	// into the child command builder.
	Key  string
	Cert string
	CA   string

	Bind     string
	Host     string
	Port     int
	IPFamily IPFamily

	Magic     string
	CmdPrefix string
	CmdSuffix string

	EventDB string
}

// Validate checks the cross-field constraints that the flag parser cannot
// express on its own.
func (c *Config) Validate() error {
	if c.Mode != ModeImport && c.Mode != ModeExport {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.StatusFile == "" {
		return fmt.Errorf("status file path is required")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger must not be negative")
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("connect retries must not be negative")
	}
	if c.Compress != CompressNone {
		if _, ok := compressMethods[c.Compress]; !ok {
			return fmt.Errorf("unknown compression method %q", c.Compress)
		}
	}
	if c.Magic != "" && !magicRe.MatchString(c.Magic) {
		return fmt.Errorf("magic %q does not match %s", c.Magic, magicRe)
	}
	if c.Mode == ModeExport {
		if c.Host == "" {
			return fmt.Errorf("export mode requires --host")
		}
		if c.Port == 0 {
			return fmt.Errorf("export mode requires --port")
		}
		if err := ValidateHost(c.Host); err != nil {
			return err
		}
	}
	return nil
}

// CompressBinary returns the binary backing the configured compression
// method, or "" when compression is disabled.
func (c *Config) CompressBinary() string {
	if c.Compress == CompressNone {
		return ""
	}
	return compressMethods[c.Compress]
}

// ValidateHost accepts an IP literal or a name that resolves.
func ValidateHost(host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	return nil
}

// ResolvePort accepts a numeric port or a TCP service name.
func ResolvePort(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n >= 1<<16 {
			return 0, fmt.Errorf("port %d out of range", n)
		}
		return n, nil
	}
	n, err := net.LookupPort("tcp", s)
	if err != nil {
		return 0, fmt.Errorf("unknown service %q: %w", s, err)
	}
	return n, nil
}

// ParseExpectedSize parses the --expected-size value: empty (unknown), the
// "custom" sentinel, or an integer MiB count.
func ParseExpectedSize(s string) (ExpectedSize, error) {
	switch s {
	case "":
		return ExpectedSize{Kind: SizeUnknown}, nil
	case SizeCustomKeyword:
		return ExpectedSize{Kind: SizeCustom}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return ExpectedSize{}, fmt.Errorf("invalid expected size %q (want MiB integer or %q)", s, SizeCustomKeyword)
	}
	return ExpectedSize{Kind: SizeFixed, MiB: n}, nil
}

var Settings *viper.Viper

var globalFlagsToConfigKey = map[string]string{
	"config-path": "config_path",
	"event-db":    "event_db",
}

// InitializeConfig loads the config file (if any) and bridges global flags
// into viper, mirroring flag precedence over file and env values.
func InitializeConfig(cmd *cobra.Command) error {
	Settings = viper.New()

	configPath, err := cmd.Root().PersistentFlags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}
	Settings.AddConfigPath(configPath)
	Settings.SetConfigName("config")
	Settings.SetConfigType("toml")

	Settings.SetDefault("connect_timeout", 60)
	Settings.SetDefault("linger", 5)
	Settings.SetDefault("event_db", "")

	Settings.SetEnvPrefix("diskferry")
	Settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Settings.AutomaticEnv()

	if err := Settings.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		configKey, ok := globalFlagsToConfigKey[f.Name]
		if !ok {
			return
		}
		if !f.Changed && Settings.IsSet(configKey) {
			cmd.Root().PersistentFlags().Set(f.Name, fmt.Sprintf("%v", Settings.Get(configKey)))
		} else {
			Settings.Set(configKey, fmt.Sprintf("%v", f.Value))
		}
	})

	return nil
}

// DefaultConfigPath is where the optional config file and event database
// live unless overridden.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}
