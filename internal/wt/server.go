// Package wt serves relay clients over WebTransport. Each session carries
// newline-delimited JSON frames on one client-opened bidirectional stream,
// using the same message set as the websocket endpoint.
package wt

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/cnulatienpo/run-sub001/internal/relay"
)

// Path is the upgrade path, shared with the websocket endpoint.
const Path = "/relay"

// Server holds the WebTransport listener and the registry it feeds.
type Server struct {
	addr     string
	cert     *Certificate
	registry *relay.Registry
	wt       *webtransport.Server
}

// NewServer returns a Server for addr. Run starts it.
func NewServer(addr string, cert *Certificate, registry *relay.Registry) *Server {
	return &Server{
		addr:     addr,
		cert:     cert,
		registry: registry,
	}
}

// Certificate returns the identity clients must pin.
func (s *Server) Certificate() *Certificate { return s.cert }

// Run starts the WebTransport server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.cert.TLSConfig(),
			Handler:   mux,
			QUICConfig: &quic.Config{
				EnableDatagrams:                  true,
				EnableStreamResetPartialDelivery: true,
			},
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		serveSession(ctx, sess, s.registry, initialRoom(r))
	})

	slog.Info("webtransport listening", "addr", s.addr, "path", Path,
		"cert_sha256", s.cert.Fingerprint(), "cert_expires", s.cert.NotAfter)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	return s.wt.ListenAndServe()
}

func initialRoom(r *http.Request) string {
	q := r.URL.Query()
	for _, name := range []string{"session_id", "group_id", "room"} {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
