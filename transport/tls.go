package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// TLSEngine is the handshake/wrap/unwrap abstraction spec.md §6 asks
// the core to consume rather than depend on concrete TLS primitives.
// Endpoint.StartTLS drives an implementation through exactly this
// interface; StdTLSEngine below is the only concrete implementation
// this repo ships, built on crypto/tls since TLS primitives are an
// explicit external collaborator (spec.md §1) and no third-party
// handshake engine in the corpus exposes this shape (see DESIGN.md).
type TLSEngine interface {
	// Handshake wraps conn in a TLS connection acting as client (or
	// server, for endpoints accepting connections) and performs the
	// handshake, blocking the calling goroutine (callers run this off
	// the loop thread; see Endpoint.StartTLS). serverName is the
	// expected peer identity for client-side handshakes.
	Handshake(ctx context.Context, conn net.Conn, serverName string, isServer bool) (TLSConn, error)
}

// TLSConn is a net.Conn plus the negotiated session info spec.md §6
// requires be reportable (protocol/cipher suite).
type TLSConn interface {
	net.Conn
	ConnectionState() tls.ConnectionState
}

// StdTLSEngine adapts crypto/tls to TLSEngine.
type StdTLSEngine struct {
	Config *tls.Config
}

func (e StdTLSEngine) Handshake(ctx context.Context, conn net.Conn, serverName string, isServer bool) (TLSConn, error) {
	cfg := e.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if serverName != "" {
		cfg.ServerName = serverName
	}

	var tlsConn *tls.Conn
	if isServer {
		tlsConn = tls.Server(conn, cfg)
	} else {
		tlsConn = tls.Client(conn, cfg)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// TLSInfo summarizes a completed handshake for
// Handler.SecurityEstablished, matching spec.md §4.2's "negotiated
// protocol/cipher suite" requirement without leaking crypto/tls types
// into handler code that shouldn't need to import it.
type TLSInfo struct {
	Version          uint16
	CipherSuite      uint16
	NegotiatedProto  string
	PeerCertVerified bool
}

// SummarizeTLS extracts a TLSInfo from a completed handshake.
func SummarizeTLS(state tls.ConnectionState) TLSInfo {
	return TLSInfo{
		Version:          state.Version,
		CipherSuite:      state.CipherSuite,
		NegotiatedProto:  state.NegotiatedProtocol,
		PeerCertVerified: len(state.VerifiedChains) > 0,
	}
}
