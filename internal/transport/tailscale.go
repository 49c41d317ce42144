//go:build tsnet

package transport

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// TailscaleOptions configures the optional overlay listener. Requires
// building with -tags tsnet. Auth key from env only, never persisted.
type TailscaleOptions struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env HIVEMIND_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// InitTailscale serves mux on a tsnet listener so peers reach the
// fabric over the overlay network without exposing the LAN port.
// Returns a cleanup func, or nil when disabled.
func InitTailscale(ctx context.Context, opts TailscaleOptions, mux *http.ServeMux) func() {
	if opts.Hostname == "" {
		return nil
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			stateDir = filepath.Join(base, "tsnet-hivemind")
		}
	}
	srv := &tsnet.Server{
		Hostname:  opts.Hostname,
		Dir:       stateDir,
		AuthKey:   opts.AuthKey,
		Ephemeral: opts.Ephemeral,
	}

	listen := func() error {
		var err error
		if opts.EnableTLS {
			ln, lerr := srv.ListenTLS("tcp", ":443")
			if lerr != nil {
				return lerr
			}
			err = http.Serve(ln, mux)
			return err
		}
		ln, lerr := srv.Listen("tcp", ":80")
		if lerr != nil {
			return lerr
		}
		return http.Serve(ln, mux)
	}

	go func() {
		slog.Info("tailscale listener starting", "hostname", opts.Hostname, "tls", opts.EnableTLS)
		if err := listen(); err != nil && ctx.Err() == nil {
			slog.Error("tailscale listener failed", "error", err)
		}
	}()
	return func() { srv.Close() }
}
