// Package pkgop installs and removes OS packages through whichever package
// manager the host carries.
package pkgop

import (
	"context"
	"fmt"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

type config struct {
	Name     string   `attr:"name"`
	Packages []string `attr:"packages"`
	State    string   `attr:"state" validate:"omitempty,oneof=present absent latest installed removed"`
	Manager  string   `attr:"manager" validate:"omitempty,oneof=apt dnf yum brew pacman"`
}

// manager describes one package manager's command set. query must be
// read-only and exit zero only when the package is installed.
type manager struct {
	name    string
	probe   string
	query   func(pkg string) []string
	install func(pkgs []string) []string
	upgrade func(pkgs []string) []string
	remove  func(pkgs []string) []string
	env     map[string]string
}

var managers = []manager{
	{
		name:  "apt",
		probe: "apt-get",
		query: func(pkg string) []string {
			return []string{"sh", "-c", fmt.Sprintf("dpkg-query -W -f '${Status}' %s 2>/dev/null | grep -q 'install ok installed'", pkg)}
		},
		install: func(pkgs []string) []string { return append([]string{"apt-get", "install", "-y"}, pkgs...) },
		upgrade: func(pkgs []string) []string {
			return append([]string{"apt-get", "install", "-y", "--only-upgrade"}, pkgs...)
		},
		remove: func(pkgs []string) []string { return append([]string{"apt-get", "remove", "-y"}, pkgs...) },
		env:    map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	},
	{
		name:    "dnf",
		probe:   "dnf",
		query:   func(pkg string) []string { return []string{"rpm", "-q", pkg} },
		install: func(pkgs []string) []string { return append([]string{"dnf", "install", "-y"}, pkgs...) },
		upgrade: func(pkgs []string) []string { return append([]string{"dnf", "upgrade", "-y"}, pkgs...) },
		remove:  func(pkgs []string) []string { return append([]string{"dnf", "remove", "-y"}, pkgs...) },
	},
	{
		name:    "yum",
		probe:   "yum",
		query:   func(pkg string) []string { return []string{"rpm", "-q", pkg} },
		install: func(pkgs []string) []string { return append([]string{"yum", "install", "-y"}, pkgs...) },
		upgrade: func(pkgs []string) []string { return append([]string{"yum", "update", "-y"}, pkgs...) },
		remove:  func(pkgs []string) []string { return append([]string{"yum", "remove", "-y"}, pkgs...) },
	},
	{
		name:    "brew",
		probe:   "brew",
		query:   func(pkg string) []string { return []string{"brew", "list", "--versions", pkg} },
		install: func(pkgs []string) []string { return append([]string{"brew", "install"}, pkgs...) },
		upgrade: func(pkgs []string) []string { return append([]string{"brew", "upgrade"}, pkgs...) },
		remove:  func(pkgs []string) []string { return append([]string{"brew", "uninstall"}, pkgs...) },
	},
	{
		name:    "pacman",
		probe:   "pacman",
		query:   func(pkg string) []string { return []string{"pacman", "-Qi", pkg} },
		install: func(pkgs []string) []string { return append([]string{"pacman", "-S", "--noconfirm"}, pkgs...) },
		upgrade: func(pkgs []string) []string { return append([]string{"pacman", "-S", "--noconfirm"}, pkgs...) },
		remove:  func(pkgs []string) []string { return append([]string{"pacman", "-R", "--noconfirm"}, pkgs...) },
	},
}

// Op converges one or more packages declared under a single title.
type Op struct {
	items []string
	cfg   config
}

// New is the package operation factory. A comma-joined title or a packages
// list declares multiple packages converged as one unit.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}
		switch cfg.State {
		case "", "installed":
			cfg.State = "present"
		case "removed":
			cfg.State = "absent"
		}

		// A list title arrives both comma-joined in the title and as the
		// packages attribute; the union keeps each package once.
		var items []string
		seen := make(map[string]bool)
		add := func(pkg string) {
			pkg = strings.TrimSpace(pkg)
			if pkg != "" && !seen[pkg] {
				seen[pkg] = true
				items = append(items, pkg)
			}
		}
		for _, item := range strings.Split(title, ",") {
			add(item)
		}
		for _, item := range cfg.Packages {
			add(item)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("package: empty package list in title %q", title)
		}
		return &Op{items: items, cfg: cfg}, nil
	}
}

func (o *Op) Name() string { return "package" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	mgr, err := detect(ctx, exec, o.cfg.Manager)
	if err != nil {
		return operation.Outcome{}, err
	}

	var installed, missing []string
	for _, pkg := range o.items {
		res, err := exec.RunCommand(ctx, mgr.query(pkg), executor.RunOptions{})
		if err != nil {
			return operation.Outcome{}, err
		}
		if res.ExitCode == 0 {
			installed = append(installed, pkg)
		} else {
			missing = append(missing, pkg)
		}
	}

	switch o.cfg.State {
	case "absent":
		if len(installed) == 0 {
			return operation.Outcome{Detail: "already absent"}, nil
		}
		if err := o.run(ctx, exec, mgr, mgr.remove(installed)); err != nil {
			return operation.Outcome{}, err
		}
		return operation.Outcome{Changed: true, Detail: "removed " + strings.Join(installed, ", ")}, nil

	case "latest":
		var reasons []string
		if len(missing) > 0 {
			if err := o.run(ctx, exec, mgr, mgr.install(missing)); err != nil {
				return operation.Outcome{}, err
			}
			reasons = append(reasons, "installed "+strings.Join(missing, ", "))
		}
		if len(installed) > 0 {
			if err := o.run(ctx, exec, mgr, mgr.upgrade(installed)); err != nil {
				return operation.Outcome{}, err
			}
			reasons = append(reasons, "upgraded "+strings.Join(installed, ", "))
		}
		return operation.Outcome{Changed: true, Detail: strings.Join(reasons, "; ")}, nil

	default: // present
		if len(missing) == 0 {
			return operation.Outcome{Detail: "already installed"}, nil
		}
		if err := o.run(ctx, exec, mgr, mgr.install(missing)); err != nil {
			return operation.Outcome{}, err
		}
		return operation.Outcome{Changed: true, Detail: "installed " + strings.Join(missing, ", ")}, nil
	}
}

func (o *Op) run(ctx context.Context, exec executor.Executor, mgr *manager, command []string) error {
	res, err := exec.RunCommand(ctx, command, executor.RunOptions{Mutable: true, Env: mgr.env})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", mgr.name, res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// detect picks the host's package manager, honoring an explicit override.
func detect(ctx context.Context, exec executor.Executor, override string) (*manager, error) {
	for i := range managers {
		mgr := &managers[i]
		if override != "" {
			if mgr.name == override {
				return mgr, nil
			}
			continue
		}
		res, err := exec.RunCommand(ctx, []string{"sh", "-c", "command -v " + mgr.probe}, executor.RunOptions{})
		if err != nil {
			return nil, err
		}
		if res.ExitCode == 0 {
			return mgr, nil
		}
	}
	if override != "" {
		return nil, fmt.Errorf("unknown package manager %q", override)
	}
	return nil, fmt.Errorf("no supported package manager found on host")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " / ")
}

// Destroy maps a recorded package spec to removal.
func Destroy(title string, attrs map[string]any) map[string]any {
	out := map[string]any{"state": "absent"}
	if mgr, ok := attrs["manager"]; ok {
		out["manager"] = mgr
	}
	return out
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry) error {
	if err := reg.Register("package", New()); err != nil {
		return err
	}
	reg.RegisterDestroy("package", Destroy)
	return nil
}
