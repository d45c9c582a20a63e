// Package operations wires the built-in resource types into a registry.
package operations

import (
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/operations/cacertop"
	"github.com/daveseff/Geppetto/internal/operations/cronop"
	"github.com/daveseff/Geppetto/internal/operations/execop"
	"github.com/daveseff/Geppetto/internal/operations/fileop"
	"github.com/daveseff/Geppetto/internal/operations/mountop"
	"github.com/daveseff/Geppetto/internal/operations/pkgop"
	"github.com/daveseff/Geppetto/internal/operations/remotefileop"
	"github.com/daveseff/Geppetto/internal/operations/serviceop"
	"github.com/daveseff/Geppetto/internal/operations/sysctlop"
	"github.com/daveseff/Geppetto/internal/operations/userop"
)

// Options carries the environment the built-ins need.
type Options struct {
	// TemplateDir anchors relative file source references.
	TemplateDir string
	// CronDir overrides /etc/cron.d, used by tests.
	CronDir string
	// Fetcher supplies remote_file transports. Nil disables s3 sources but
	// keeps http and file working.
	Fetcher *remotefileop.Fetcher
}

// RegisterBuiltins registers every built-in operation type.
func RegisterBuiltins(reg *operation.Registry, opts Options) error {
	if err := pkgop.Register(reg); err != nil {
		return err
	}
	if err := fileop.Register(reg, opts.TemplateDir); err != nil {
		return err
	}
	if err := execop.Register(reg); err != nil {
		return err
	}
	if err := serviceop.Register(reg); err != nil {
		return err
	}
	if err := userop.Register(reg); err != nil {
		return err
	}
	if err := cronop.Register(reg, opts.CronDir); err != nil {
		return err
	}
	if err := sysctlop.Register(reg); err != nil {
		return err
	}
	if err := mountop.Register(reg); err != nil {
		return err
	}
	if err := cacertop.Register(reg); err != nil {
		return err
	}
	return remotefileop.Register(reg, opts.Fetcher)
}
