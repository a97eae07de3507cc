package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	logx "funnelbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8088"

// Server serves the admin router on one listener.
type Server struct {
	srv      *http.Server
	ln       net.Listener
	log      logx.Logger
	tokenSet bool
}

// Listen binds addr. A non-loopback address is refused without a token.
func Listen(addr string, h http.Handler, token string, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(token) == "" && !isLoopbackAddr(addr) {
		return nil, fmt.Errorf("http: non-loopback addr %s requires a token", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:       ln,
		log:      log.With(logx.String("comp", "httpapi")),
		tokenSet: strings.TrimSpace(token) != "",
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	s.log.Info("http api started", logx.String("addr", s.Addr()), logx.Bool("token_set", s.tokenSet))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.srv.Shutdown(sctx)
	<-errCh
	s.log.Info("http api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
