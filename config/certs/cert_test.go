package certs

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// handshake runs one TLS handshake over loopback TCP and returns the
// server-side connection state and handshake result.
func handshake(t *testing.T, srvTLS, cliTLS *tls.Config) (tls.ConnectionState, error) {
	t.Helper()
	lis, err := tls.Listen("tcp", "127.0.0.1:0", srvTLS)
	require.NoError(t, err)
	defer lis.Close()

	type result struct {
		err   error
		state tls.ConnectionState
	}
	done := make(chan result, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer conn.Close()
		tc := conn.(*tls.Conn)
		err = tc.Handshake()
		done <- result{err: err, state: tc.ConnectionState()}
	}()

	cli, err := tls.Dial("tcp", lis.Addr().String(), cliTLS)
	if err == nil {
		// Reading surfaces an alert the server sends after the client
		// considers the handshake done.
		_ = cli.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _ = cli.Read(make([]byte, 1))
		cli.Close()
	}
	r := <-done
	return r.state, r.err
}

func TestGeneratedCertsCompleteMutualHandshake(t *testing.T) {
	serverCfg, clientCfg, err := GenerateDevCerts(t.TempDir(), time.Hour, "coordinator.internal")
	require.NoError(t, err)

	srvTLS, err := LoadServerTLSConfig(serverCfg)
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, srvTLS.ClientAuth)
	cliTLS, err := LoadClientTLSConfig(clientCfg)
	require.NoError(t, err)
	cliTLS.ServerName = "coordinator.internal"

	state, err := handshake(t, srvTLS, cliTLS)
	require.NoError(t, err)
	require.NotEmpty(t, state.PeerCertificates)
	require.Equal(t, "gojotx-client", state.PeerCertificates[0].Subject.CommonName)
}

func TestClientWithoutCertificateIsRejected(t *testing.T) {
	serverCfg, clientCfg, err := GenerateDevCerts(t.TempDir(), time.Hour)
	require.NoError(t, err)
	srvTLS, err := LoadServerTLSConfig(serverCfg)
	require.NoError(t, err)
	cliTLS, err := LoadClientTLSConfig(clientCfg)
	require.NoError(t, err)
	cliTLS.Certificates = nil

	_, err = handshake(t, srvTLS, cliTLS)
	require.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	serverCfg, _, err := GenerateDevCerts(dir, time.Hour)
	require.NoError(t, err)

	missing := serverCfg
	missing.CertFile = filepath.Join(dir, "nope.crt")
	_, err = LoadServerTLSConfig(missing)
	require.Error(t, err)

	junk := filepath.Join(dir, "junk.crt")
	require.NoError(t, os.WriteFile(junk, []byte("not pem"), 0o600))
	bad := serverCfg
	bad.CAFile = junk
	_, err = LoadServerTLSConfig(bad)
	require.ErrorIs(t, err, ErrNoCACerts)
}

func TestOptionsFollowEnabled(t *testing.T) {
	opt, err := ServerOption(TLSConfig{})
	require.NoError(t, err)
	require.Nil(t, opt)
	dial, err := DialOption(TLSConfig{})
	require.NoError(t, err)
	require.NotNil(t, dial)

	serverCfg, clientCfg, err := GenerateDevCerts(t.TempDir(), time.Hour)
	require.NoError(t, err)
	opt, err = ServerOption(serverCfg)
	require.NoError(t, err)
	require.NotNil(t, opt)
	dial, err = DialOption(clientCfg)
	require.NoError(t, err)
	require.NotNil(t, dial)
}
