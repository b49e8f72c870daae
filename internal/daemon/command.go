package daemon

import (
	"fmt"
	"os"
	"strings"

	"go.olrik.dev/diskferry/internal/core"
)

// Descriptor numbers the supervision pipes get on the child side. The
// parent passes the write ends as extra files after the standard three, in
// this order.
const (
	childFdCopierStatus = 3
	childFdCopierPID    = 4
	childFdRelayStderr  = 5
	childFdExpSize      = 6
)

// EnvExpSizeFd names the environment variable telling the export helper
// which descriptor to write the actual size to.
const EnvExpSizeFd = "EXP_SIZE_FD"

// EnvMagic carries the transfer magic to the helpers.
const EnvMagic = "DISKFERRY_MAGIC"

const copierBlockSize = 1 << 20

// compressorCommands maps each method to its compress/decompress pipeline
// stages.
var compressorCommands = map[string][2]string{
	"gzip":      {"gzip -c", "gzip -dc"},
	"gzip-fast": {"gzip -1 -c", "gzip -dc"},
	"gzip-slow": {"gzip -9 -c", "gzip -dc"},
	"lzop":      {"lzop -c", "lzop -dc"},
}

// CommandBuilder turns a run configuration into the argv and environment
// of the child pipeline: a single bash invocation gluing the socket relay,
// the optional compressor and the bulk copier together, with each stage's
// diagnostics redirected to its supervision descriptor.
type CommandBuilder struct {
	cfg core.Config
}

func NewCommandBuilder(cfg core.Config) *CommandBuilder {
	return &CommandBuilder{cfg: cfg}
}

// Build returns the child argv and its environment.
func (b *CommandBuilder) Build() ([]string, []string) {
	var stages []string
	switch b.cfg.Mode {
	case core.ModeImport:
		// Network in, disk out: relay listens, feeds the optional
		// decompressor, then the copier.
		stages = append(stages, b.relayStage())
		if dec := b.compressorStage(true); dec != "" {
			stages = append(stages, dec)
		}
		stages = append(stages, b.copierStage())
	case core.ModeExport:
		// Disk in, network out: copier feeds the optional compressor,
		// then the relay connecting to the remote endpoint.
		stages = append(stages, b.copierStage())
		if comp := b.compressorStage(false); comp != "" {
			stages = append(stages, comp)
		}
		stages = append(stages, b.relayStage())
	}

	script := "set -o pipefail; " + strings.Join(stages, " | ")
	argv := []string{"/bin/bash", "-c", script}

	env := os.Environ()
	if b.cfg.Magic != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvMagic, b.cfg.Magic))
	}
	if b.cfg.ExpectedSize.Kind == core.SizeCustom {
		env = append(env, fmt.Sprintf("%s=%d", EnvExpSizeFd, childFdExpSize))
	}
	return argv, env
}

// copierStage wraps the bulk copier so its stderr reaches the status
// descriptor and its PID is reported as soon as it has been started. The
// opaque prefix/suffix strings from the caller are merged verbatim around
// the copier invocation.
func (b *CommandBuilder) copierStage() string {
	dd := fmt.Sprintf("dd bs=%d", copierBlockSize)
	if b.cfg.CmdPrefix != "" {
		dd = b.cfg.CmdPrefix + " " + dd
	}
	if b.cfg.CmdSuffix != "" {
		dd = dd + " " + b.cfg.CmdSuffix
	}
	return fmt.Sprintf("{ %s 2>&%d & pid=$!; echo \"$pid\" >&%d; wait \"$pid\"; }",
		dd, childFdCopierStatus, childFdCopierPID)
}

func (b *CommandBuilder) compressorStage(decompress bool) string {
	if b.cfg.Compress == core.CompressNone {
		return ""
	}
	cmds, ok := compressorCommands[b.cfg.Compress]
	if !ok {
		return ""
	}
	if decompress {
		return cmds[1]
	}
	return cmds[0]
}

// relayStage builds the socat invocation. -d -d raises verbosity to
// notice level so the "listening on" and transfer-loop announcements show
// up on the relay descriptor.
func (b *CommandBuilder) relayStage() string {
	var addr string
	switch b.cfg.Mode {
	case core.ModeImport:
		port := b.cfg.Port // 0 lets the relay pick; the port is parsed from its stderr
		addr = fmt.Sprintf("OPENSSL-LISTEN:%d,reuseaddr%s", port, b.tlsOptions())
		return fmt.Sprintf("socat -u -d -d %s STDOUT 2>&%d", addr, childFdRelayStderr)
	default:
		addr = fmt.Sprintf("OPENSSL:%s:%d%s", b.cfg.Host, b.cfg.Port, b.tlsOptions())
		if b.cfg.ConnectRetries > 0 {
			addr += fmt.Sprintf(",retry=%d", b.cfg.ConnectRetries)
		}
		return fmt.Sprintf("socat -u -d -d STDIN %s 2>&%d", addr, childFdRelayStderr)
	}
}

func (b *CommandBuilder) tlsOptions() string {
	var sb strings.Builder
	if b.cfg.Cert != "" {
		fmt.Fprintf(&sb, ",cert=%s", b.cfg.Cert)
	}
	if b.cfg.Key != "" {
		fmt.Fprintf(&sb, ",key=%s", b.cfg.Key)
	}
	if b.cfg.CA != "" {
		fmt.Fprintf(&sb, ",cafile=%s,verify=1", b.cfg.CA)
	} else {
		sb.WriteString(",verify=0")
	}
	if b.cfg.Bind != "" {
		fmt.Fprintf(&sb, ",bind=%s", b.cfg.Bind)
	}
	switch b.cfg.IPFamily {
	case core.FamilyIPv4:
		sb.WriteString(",pf=ip4")
	case core.FamilyIPv6:
		sb.WriteString(",pf=ip6")
	}
	return sb.String()
}
