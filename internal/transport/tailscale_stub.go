//go:build !tsnet

package transport

import (
	"context"
	"log/slog"
	"net/http"
)

// TailscaleOptions configures the optional overlay listener. The real
// implementation requires building with -tags tsnet.
type TailscaleOptions struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// InitTailscale is a no-op without the tsnet build tag.
func InitTailscale(_ context.Context, opts TailscaleOptions, _ *http.ServeMux) func() {
	if opts.Hostname != "" {
		slog.Warn("tailscale configured but binary built without -tags tsnet; overlay listener disabled")
	}
	return nil
}
