// Package cacertop installs CA certificates into the host's trust store and
// refreshes it. The title names the certificate file.
package cacertop

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

// Trust store anchors per OS family.
const (
	DebianTrustDir = "/usr/local/share/ca-certificates"
	RHELTrustDir   = "/etc/pki/ca-trust/source/anchors"
)

type config struct {
	Name     string `attr:"name"`
	State    string `attr:"state" validate:"omitempty,oneof=present absent"`
	Content  string `attr:"content"`
	Source   string `attr:"source"`
	TrustDir string `attr:"trust_dir"`
}

// Op converges one CA certificate.
type Op struct {
	filename string
	state    string
	content  string
	source   string
	trustDir string
}

// New is the ca_cert operation factory. The certificate body comes inline via
// content or from a file on the host via source.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}

		op := &Op{
			filename: path.Base(title),
			state:    cfg.State,
			content:  cfg.Content,
			source:   cfg.Source,
			trustDir: cfg.TrustDir,
		}
		if op.state == "" {
			op.state = "present"
		}
		if op.state == "present" && op.content == "" && op.source == "" {
			return nil, fmt.Errorf("ca_cert %q: content or source required", title)
		}
		if op.content != "" && op.source != "" {
			return nil, fmt.Errorf("ca_cert %q: content and source are mutually exclusive", title)
		}
		return op, nil
	}
}

func (o *Op) Name() string { return "ca_cert" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	family, err := detectFamily(ctx, exec)
	if err != nil {
		return operation.Outcome{}, err
	}
	target := path.Join(o.resolveTrustDir(family), o.targetName(family))

	if o.state == "absent" {
		removed, err := exec.RemovePath(target)
		if err != nil {
			return operation.Outcome{}, err
		}
		if !removed {
			return operation.Outcome{Detail: "already absent"}, nil
		}
		if err := updateStore(ctx, exec, family); err != nil {
			return operation.Outcome{}, err
		}
		return operation.Outcome{Changed: true, Detail: "removed, trust store updated"}, nil
	}

	cert, err := o.loadCert(exec)
	if err != nil {
		return operation.Outcome{}, err
	}
	if _, err := exec.EnsureDir(o.resolveTrustDir(family), 0o755); err != nil {
		return operation.Outcome{}, err
	}
	changed, detail, err := exec.WriteFile(target, cert, 0o644)
	if err != nil {
		return operation.Outcome{}, err
	}
	if !changed {
		return operation.Outcome{Detail: "in sync"}, nil
	}
	if err := updateStore(ctx, exec, family); err != nil {
		return operation.Outcome{}, err
	}
	return operation.Outcome{Changed: true, Detail: detail + ", trust store updated"}, nil
}

func (o *Op) loadCert(exec executor.Executor) ([]byte, error) {
	if o.content != "" {
		return []byte(o.content), nil
	}
	content, found, err := exec.ReadFile(o.source)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("certificate source %s does not exist", o.source)
	}
	return content, nil
}

func (o *Op) resolveTrustDir(family string) string {
	if o.trustDir != "" {
		return o.trustDir
	}
	if family == "debian" {
		return DebianTrustDir
	}
	return RHELTrustDir
}

// targetName appends the .crt suffix update-ca-certificates insists on.
func (o *Op) targetName(family string) string {
	if family == "debian" && !strings.HasSuffix(o.filename, ".crt") {
		return o.filename + ".crt"
	}
	return o.filename
}

// detectFamily probes for the trust store refresh tool, preferring the RHEL
// one when both are somehow present.
func detectFamily(ctx context.Context, exec executor.Executor) (string, error) {
	for _, probe := range []struct{ tool, family string }{
		{"update-ca-trust", "rhel"},
		{"update-ca-certificates", "debian"},
	} {
		res, err := exec.RunCommand(ctx, []string{"sh", "-c", "command -v " + probe.tool}, executor.RunOptions{})
		if err != nil {
			return "", err
		}
		if res.ExitCode == 0 {
			return probe.family, nil
		}
	}
	return "", fmt.Errorf("no trust store update tool found on host")
}

func updateStore(ctx context.Context, exec executor.Executor, family string) error {
	command := []string{"update-ca-trust", "extract"}
	if family == "debian" {
		command = []string{"update-ca-certificates"}
	}
	res, err := exec.RunCommand(ctx, command, executor.RunOptions{Mutable: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", command[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Destroy maps a recorded certificate to removal from the trust store.
func Destroy(title string, attrs map[string]any) map[string]any {
	out := map[string]any{"state": "absent"}
	if dir, ok := attrs["trust_dir"]; ok {
		out["trust_dir"] = dir
	}
	return out
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry) error {
	if err := reg.Register("ca_cert", New()); err != nil {
		return err
	}
	reg.RegisterDestroy("ca_cert", Destroy)
	return nil
}
