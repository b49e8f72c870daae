package daemon

import (
	"fmt"
	"strings"
	"testing"

	"go.olrik.dev/diskferry/internal/core"
)

func buildScript(t *testing.T, cfg core.Config) (string, []string) {
	t.Helper()
	argv, env := NewCommandBuilder(cfg).Build()
	if len(argv) != 3 || argv[0] != "/bin/bash" || argv[1] != "-c" {
		t.Fatalf("argv = %v, want bash -c script", argv)
	}
	return argv[2], env
}

func TestBuildImportPipeline(t *testing.T) {
	script, _ := buildScript(t, core.Config{
		Mode:     core.ModeImport,
		Compress: core.CompressNone,
		Cert:     "/etc/ferry/server.pem",
		Key:      "/etc/ferry/server.key",
		CA:       "/etc/ferry/ca.pem",
	})

	// Relay listens and feeds the copier; the relay picks the port.
	if !strings.Contains(script, "socat -u -d -d OPENSSL-LISTEN:0,reuseaddr") {
		t.Errorf("missing listen relay stage: %s", script)
	}
	if !strings.Contains(script, "cert=/etc/ferry/server.pem") ||
		!strings.Contains(script, "key=/etc/ferry/server.key") ||
		!strings.Contains(script, "cafile=/etc/ferry/ca.pem,verify=1") {
		t.Errorf("TLS material missing: %s", script)
	}
	if !strings.Contains(script, fmt.Sprintf("2>&%d", childFdRelayStderr)) {
		t.Errorf("relay stderr not redirected: %s", script)
	}
	if !strings.Contains(script, fmt.Sprintf("dd bs=%d 2>&%d", copierBlockSize, childFdCopierStatus)) {
		t.Errorf("copier stage malformed: %s", script)
	}
	if !strings.Contains(script, fmt.Sprintf(">&%d", childFdCopierPID)) {
		t.Errorf("copier PID not reported: %s", script)
	}
	relayIdx := strings.Index(script, "socat")
	copierIdx := strings.Index(script, "dd bs=")
	if relayIdx > copierIdx {
		t.Error("import pipeline must run relay before copier")
	}
}

func TestBuildExportPipeline(t *testing.T) {
	script, _ := buildScript(t, core.Config{
		Mode:           core.ModeExport,
		Compress:       core.CompressNone,
		Host:           "192.0.2.10",
		Port:           33101,
		ConnectRetries: 3,
	})

	if !strings.Contains(script, "OPENSSL:192.0.2.10:33101") {
		t.Errorf("missing connect relay stage: %s", script)
	}
	if !strings.Contains(script, "retry=3") {
		t.Errorf("connect retries not applied: %s", script)
	}
	relayIdx := strings.Index(script, "socat")
	copierIdx := strings.Index(script, "dd bs=")
	if copierIdx > relayIdx {
		t.Error("export pipeline must run copier before relay")
	}
}

func TestBuildCompressorStages(t *testing.T) {
	imp, _ := buildScript(t, core.Config{Mode: core.ModeImport, Compress: "gzip-fast"})
	if !strings.Contains(imp, "| gzip -dc |") {
		t.Errorf("import side must decompress: %s", imp)
	}

	exp, _ := buildScript(t, core.Config{
		Mode: core.ModeExport, Compress: "gzip-fast", Host: "h", Port: 1,
	})
	if !strings.Contains(exp, "| gzip -1 -c |") {
		t.Errorf("export side must compress: %s", exp)
	}
}

func TestBuildPrefixSuffixMergedAroundCopier(t *testing.T) {
	script, _ := buildScript(t, core.Config{
		Mode:      core.ModeImport,
		Compress:  core.CompressNone,
		CmdPrefix: "ionice -c3",
		CmdSuffix: "of=/dev/vg0/disk0",
	})

	if !strings.Contains(script, fmt.Sprintf("ionice -c3 dd bs=%d of=/dev/vg0/disk0", copierBlockSize)) {
		t.Errorf("prefix/suffix not merged verbatim: %s", script)
	}
}

func TestBuildAddressFamilyAndBind(t *testing.T) {
	script, _ := buildScript(t, core.Config{
		Mode:     core.ModeImport,
		Compress: core.CompressNone,
		Bind:     "10.0.0.1",
		IPFamily: core.FamilyIPv6,
	})

	if !strings.Contains(script, "bind=10.0.0.1") {
		t.Errorf("bind option missing: %s", script)
	}
	if !strings.Contains(script, "pf=ip6") {
		t.Errorf("family restriction missing: %s", script)
	}
}

func TestBuildEnvironment(t *testing.T) {
	_, env := buildScript(t, core.Config{
		Mode:         core.ModeExport,
		Compress:     core.CompressNone,
		Host:         "h",
		Port:         1,
		Magic:        "xfer_magic.1",
		ExpectedSize: core.ExpectedSize{Kind: core.SizeCustom},
	})

	var haveMagic, haveSizeFd bool
	for _, kv := range env {
		if kv == EnvMagic+"=xfer_magic.1" {
			haveMagic = true
		}
		if kv == fmt.Sprintf("%s=%d", EnvExpSizeFd, childFdExpSize) {
			haveSizeFd = true
		}
	}
	if !haveMagic {
		t.Error("magic not forwarded in the environment")
	}
	if !haveSizeFd {
		t.Errorf("%s not exported for custom size", EnvExpSizeFd)
	}
}

func TestBuildNoSizeFdWithoutCustomSize(t *testing.T) {
	_, env := buildScript(t, core.Config{
		Mode:         core.ModeImport,
		Compress:     core.CompressNone,
		ExpectedSize: core.ExpectedSize{Kind: core.SizeFixed, MiB: 1024},
	})
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvExpSizeFd+"=") {
			t.Errorf("%s exported without custom size", EnvExpSizeFd)
		}
	}
}
