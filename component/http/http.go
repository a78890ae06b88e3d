// Package http serves the public and internal HTTP interfaces.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nuts-foundation/zorgadresboek/lib/logging"
)

type Config struct {
	PublicAddress   string `koanf:"publicaddress"`
	InternalAddress string `koanf:"internaladdress"`
}

func DefaultConfig() Config {
	return Config{
		PublicAddress:   ":8080",
		InternalAddress: ":8081",
	}
}

// TestConfig returns a configuration bound to free loopback ports, for tests
// that start the full system.
func TestConfig() Config {
	return Config{
		PublicAddress:   "127.0.0.1:" + freePort(),
		InternalAddress: "127.0.0.1:" + freePort(),
	}
}

func freePort() string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() { _ = listener.Close() }()
	_, port, _ := net.SplitHostPort(listener.Addr().String())
	return port
}

type Component struct {
	config         Config
	publicServer   *http.Server
	internalServer *http.Server
}

func New(config Config, publicMux *http.ServeMux, internalMux *http.ServeMux) *Component {
	return &Component{
		config: config,
		publicServer: &http.Server{
			Addr:              config.PublicAddress,
			Handler:           publicMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		internalServer: &http.Server{
			Addr:              config.InternalAddress,
			Handler:           internalMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	// The muxes are handed to New by the composition root.
}

func (c *Component) Start() error {
	go c.serve(c.publicServer, "public")
	go c.serve(c.internalServer, "internal")
	return nil
}

func (c *Component) serve(server *http.Server, name string) {
	slog.Info("HTTP server listening", slog.String("interface", name), slog.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", slog.String("interface", name), logging.Error(err))
	}
}

func (c *Component) Stop(ctx context.Context) error {
	var result error
	if err := c.publicServer.Shutdown(ctx); err != nil {
		result = err
	}
	if err := c.internalServer.Shutdown(ctx); err != nil {
		result = err
	}
	return result
}
