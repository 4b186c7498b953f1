package bind

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/pkg/config"
)

// ServeOptions carries the serve command overrides. The Set flags record
// whether the user passed the flag at all; unset flags leave the loaded
// configuration untouched.
type ServeOptions struct {
	Host       string
	HostSet    bool
	Port       int
	PortSet    bool
	Workers    int
	WorkersSet bool
	Simulate   bool
}

// BindServeOptions reads the serve command flags. Values are validated
// only when explicitly set, so configuration defaults never trip flag
// validation.
func BindServeOptions(cmd *cobra.Command) (ServeOptions, error) {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	workers, _ := cmd.Flags().GetInt("workers")
	simulate, _ := cmd.Flags().GetBool("simulate")

	opts := ServeOptions{
		Host:       host,
		HostSet:    cmd.Flags().Changed("host"),
		Port:       port,
		PortSet:    cmd.Flags().Changed("port"),
		Workers:    workers,
		WorkersSet: cmd.Flags().Changed("workers"),
		Simulate:   simulate,
	}

	if opts.PortSet && (opts.Port < 1 || opts.Port > 65535) {
		return ServeOptions{}, fmt.Errorf("invalid port %d: %w", opts.Port, ErrInvalidPort)
	}
	if opts.WorkersSet && opts.Workers < 1 {
		return ServeOptions{}, fmt.Errorf("invalid workers %d: %w", opts.Workers, ErrInvalidWorkers)
	}

	return opts, nil
}

// Apply overlays the explicitly set overrides onto the loaded config.
func (o ServeOptions) Apply(cfg *config.Config) {
	if o.HostSet {
		cfg.Server.Host = o.Host
	}
	if o.PortSet {
		cfg.Server.Port = o.Port
	}
	if o.WorkersSet {
		cfg.Orchestrator.Workers = o.Workers
	}
}
