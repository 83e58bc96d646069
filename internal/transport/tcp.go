package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

const DefaultTCPPort = "4403"

// NetworkAddress is a network-socket target after scheme stripping.
type NetworkAddress struct {
	Host string
	TLS  bool
}

// ParseNetworkAddress accepts a bare host or IP (optionally with port). A
// scheme prefix is treated as a TLS hint and removed along with any path.
func ParseNetworkAddress(raw string) (NetworkAddress, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return NetworkAddress{}, fmt.Errorf("%w: network address required", ErrInvalidAddress)
	}

	var out NetworkAddress
	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		switch strings.ToLower(scheme) {
		case "https", "tls", "wss":
			out.TLS = true
		case "http", "tcp", "ws":
		default:
			return NetworkAddress{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, scheme)
		}
		addr = rest
	}
	if i := strings.IndexAny(addr, "/?#"); i >= 0 {
		addr = addr[:i]
	}
	if addr == "" {
		return NetworkAddress{}, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	if strings.ContainsAny(addr, " \t@") {
		return NetworkAddress{}, fmt.Errorf("%w: malformed host %q", ErrInvalidAddress, raw)
	}
	out.Host = addr
	return out, nil
}

// DialAddress returns host:port, adding the default device port when absent.
func (a NetworkAddress) DialAddress() string {
	if _, _, err := net.SplitHostPort(a.Host); err == nil {
		return a.Host
	}
	return net.JoinHostPort(strings.Trim(a.Host, "[]"), DefaultTCPPort)
}

// TLSConfig configures the optional TLS wrapper for network sockets.
type TLSConfig struct {
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// TCPOpener dials the network-socket transport.
type TCPOpener struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	TLS              TLSConfig
}

func (o TCPOpener) Open(ctx context.Context, address string) (*Handle, error) {
	target, err := ParseNetworkAddress(address)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: o.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", target.DialAddress())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrIO, target.DialAddress(), err)
	}
	if !target.TLS {
		h := NewHandle(KindTCP, target.Host, rawConn, rawConn.Close)
		return h, nil
	}

	tlsCfg, err := o.clientTLSConfig(target)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx := ctx
	if o.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, o.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %w", ErrIO, err)
	}
	h := NewHandle(KindTCP, target.Host, conn, conn.Close)
	h.tls = true
	return h, nil
}

func (o TCPOpener) clientTLSConfig(target NetworkAddress) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(o.TLS.ServerName)
	if serverName == "" {
		serverName = target.Host
		if host, _, err := net.SplitHostPort(target.Host); err == nil {
			serverName = host
		}
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(o.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
