package bind

import (
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/voxlane/voxlane/pkg/config"
)

func TestBindServeOptions(t *testing.T) {
	tests := []struct {
		name    string
		flags   map[string]any
		want    ServeOptions
		wantErr bool
		errMsg  string
	}{
		{
			name: "all flags set",
			flags: map[string]any{
				"host":     "0.0.0.0",
				"port":     9000,
				"workers":  10,
				"simulate": true,
			},
			want: ServeOptions{
				Host:       "0.0.0.0",
				HostSet:    true,
				Port:       9000,
				PortSet:    true,
				Workers:    10,
				WorkersSet: true,
				Simulate:   true,
			},
		},
		{
			name:  "nothing set leaves config authoritative",
			flags: map[string]any{},
			want: ServeOptions{
				Host:    "127.0.0.1",
				Port:    8998,
				Workers: 12,
			},
		},
		{
			name:    "invalid port - too low",
			flags:   map[string]any{"port": 0},
			wantErr: true,
			errMsg:  "invalid port 0: must be between 1 and 65535",
		},
		{
			name:    "invalid port - too high",
			flags:   map[string]any{"port": 70000},
			wantErr: true,
			errMsg:  "invalid port 70000: must be between 1 and 65535",
		},
		{
			name:    "invalid workers",
			flags:   map[string]any{"workers": -1},
			wantErr: true,
			errMsg:  "invalid workers -1: must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := setupServeCommand(tt.flags)
			got, err := BindServeOptions(cmd)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					require.Contains(t, err.Error(), tt.errMsg)
				}

				switch tt.name {
				case "invalid port - too low", "invalid port - too high":
					require.ErrorIs(t, err, ErrInvalidPort)
				case "invalid workers":
					require.ErrorIs(t, err, ErrInvalidWorkers)
				}
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestServeOptionsApply(t *testing.T) {
	cfg := config.DefaultConfig()

	// Unset options must not disturb the loaded config.
	ServeOptions{Host: "ignored", Port: 1, Workers: 1}.Apply(&cfg)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8998, cfg.Server.Port)
	require.Equal(t, 12, cfg.Orchestrator.Workers)

	ServeOptions{
		Host:       "127.0.0.1",
		HostSet:    true,
		Port:       9100,
		PortSet:    true,
		Workers:    3,
		WorkersSet: true,
	}.Apply(&cfg)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, 3, cfg.Orchestrator.Workers)
}

// setupServeCommand creates a mock command with the serve flags.
func setupServeCommand(flags map[string]any) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("host", "127.0.0.1", "Host")
	cmd.Flags().Int("port", 8998, "Port")
	cmd.Flags().Int("workers", 12, "Workers")
	cmd.Flags().Bool("simulate", false, "Simulate")

	if host, ok := flags["host"].(string); ok {
		_ = cmd.Flags().Set("host", host)
	}
	if port, ok := flags["port"].(int); ok {
		_ = cmd.Flags().Set("port", fmt.Sprintf("%d", port))
	}
	if workers, ok := flags["workers"].(int); ok {
		_ = cmd.Flags().Set("workers", fmt.Sprintf("%d", workers))
	}
	if simulate, ok := flags["simulate"].(bool); ok && simulate {
		_ = cmd.Flags().Set("simulate", "true")
	}

	return cmd
}
