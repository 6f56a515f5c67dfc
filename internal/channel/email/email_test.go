package email

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

// fakeRelay is a minimal SMTP server: EHLO, STARTTLS (when tlsCfg is set),
// AUTH PLAIN, MAIL, RCPT, DATA, QUIT.
type fakeRelay struct {
	ln     net.Listener
	users  map[string]string
	tlsCfg *tls.Config

	mu       sync.Mutex
	sessions int
	messages []relayMessage
}

type relayMessage struct {
	tls  bool
	user string
	from string
	to   string
	data string
}

func newFakeRelay(t *testing.T, users map[string]string) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln, users: users}
	go r.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return r
}

// newTLSRelay is a fakeRelay offering STARTTLS with the httptest certificate,
// plus the pool that trusts it.
func newTLSRelay(t *testing.T, users map[string]string) (*fakeRelay, *x509.CertPool) {
	t.Helper()
	ts := httptest.NewTLSServer(nil)
	t.Cleanup(ts.Close)
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln, users: users, tlsCfg: &tls.Config{Certificates: ts.TLS.Certificates}}
	go r.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return r, pool
}

func (r *fakeRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *fakeRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.sessions++
		r.mu.Unlock()
		go r.handle(conn)
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	rd := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	reply("220 fake.relay ESMTP")
	var msg relayMessage
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			reply("250-fake.relay")
			if r.tlsCfg != nil && !msg.tls {
				reply("250-STARTTLS")
			}
			reply("250 AUTH PLAIN")
		case "STARTTLS":
			if r.tlsCfg == nil || msg.tls {
				reply("502 not implemented")
				continue
			}
			reply("220 ready to start TLS")
			tc := tls.Server(conn, r.tlsCfg)
			if err := tc.Handshake(); err != nil {
				return
			}
			conn, rd = tc, bufio.NewReader(tc)
			msg = relayMessage{tls: true}
		case "AUTH":
			parts := strings.Fields(line)
			if len(parts) < 3 {
				reply("501 syntax")
				continue
			}
			raw, _ := base64.StdEncoding.DecodeString(parts[2])
			creds := strings.Split(string(raw), "\x00")
			if len(creds) == 3 && r.users[creds[1]] != "" && r.users[creds[1]] == creds[2] {
				msg.user = creds[1]
				reply("235 2.7.0 Authentication successful")
			} else {
				reply("535 5.7.8 Username and Password not accepted")
			}
		case "MAIL":
			msg.from = between(line, "<", ">")
			reply("250 OK")
		case "RCPT":
			msg.to = between(line, "<", ">")
			reply("250 OK")
		case "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := rd.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			msg.data = b.String()
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (r *fakeRelay) snapshot() (int, []relayMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions, append([]relayMessage(nil), r.messages...)
}

func between(s, a, b string) string {
	i := strings.Index(s, a)
	j := strings.LastIndex(s, b)
	if i < 0 || j <= i {
		return ""
	}
	return s[i+1 : j]
}

func newTestClient(port int, allowPlaintext bool) *Client {
	c := New(Config{RelayHost: "127.0.0.1", RelayPort: port, Timeout: 5 * time.Second, AllowPlaintext: allowPlaintext}, logx.Nop())
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestSendDeliversPlainTextMessage(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, map[string]string{"alice@corp.example": "app-pw"})
	c := newTestClient(relay.port(), true)

	err := c.Send(context.Background(), kit.Sender{Login: "alice@corp.example", Secret: "app-pw"}, "bob@example.com", "Test Email", "Hello Bob,\nline two")
	require.NoError(t, err)

	_, msgs := relay.snapshot()
	require.Len(t, msgs, 1)
	m := msgs[0]
	require.Equal(t, "alice@corp.example", m.user)
	require.Equal(t, "alice@corp.example", m.from)
	require.Equal(t, "bob@example.com", m.to)
	require.Contains(t, m.data, "From: alice@corp.example\r\n")
	require.Contains(t, m.data, "To: bob@example.com\r\n")
	require.Contains(t, m.data, "Subject: Test Email\r\n")
	require.Contains(t, m.data, "Content-Type: text/plain; charset=\"utf-8\"\r\n")
	require.Contains(t, m.data, "\r\n\r\nHello Bob,\r\nline two\r\n")
}

func TestSendOpensSessionPerMessage(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, map[string]string{"a@x": "1", "b@x": "2"})
	c := newTestClient(relay.port(), true)

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, kit.Sender{Login: "a@x", Secret: "1"}, "r1@example.com", "s", "b"))
	require.NoError(t, c.Send(ctx, kit.Sender{Login: "b@x", Secret: "2"}, "r2@example.com", "s", "b"))
	require.NoError(t, c.Send(ctx, kit.Sender{Login: "a@x", Secret: "1"}, "r3@example.com", "s", "b"))

	require.Eventually(t, func() bool {
		sessions, msgs := relay.snapshot()
		return sessions == 3 && len(msgs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	_, msgs := relay.snapshot()
	require.Equal(t, []string{"a@x", "b@x", "a@x"}, []string{msgs[0].user, msgs[1].user, msgs[2].user})
}

func TestSendBadCredentialIsTransportError(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, map[string]string{"a@x": "right"})
	c := newTestClient(relay.port(), true)

	err := c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "wrong"}, "r@example.com", "s", "b")
	require.Error(t, err)
	require.True(t, kit.IsTransport(err))

	var te *kit.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "auth", te.Op)
	require.Contains(t, err.Error(), "535")

	// A later send with a good credential is unaffected.
	require.NoError(t, c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "right"}, "r@example.com", "s", "b"))
}

func TestSendUpgradesWithStartTLS(t *testing.T) {
	t.Parallel()
	relay, roots := newTLSRelay(t, map[string]string{"a@x": "pw"})
	c := newTestClient(relay.port(), false)
	c.tls.RootCAs = roots

	err := c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "pw"}, "b@y", "Hi", "over tls")
	require.NoError(t, err)

	_, msgs := relay.snapshot()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].tls)
	require.Equal(t, "a@x", msgs[0].user)
	require.Equal(t, "b@y", msgs[0].to)
	require.Contains(t, msgs[0].data, "Subject: Hi\r\n")
	require.Contains(t, msgs[0].data, "\r\n\r\nover tls\r\n")
}

func TestSendRejectsUntrustedStartTLSCertificate(t *testing.T) {
	t.Parallel()
	relay, _ := newTLSRelay(t, map[string]string{"a@x": "pw"})
	c := newTestClient(relay.port(), false)

	err := c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "pw"}, "b@y", "Hi", "x")
	var te *kit.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "starttls", te.Op)

	_, msgs := relay.snapshot()
	require.Empty(t, msgs)
}

func TestNewRefusesPlaintextByDefault(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, map[string]string{"a@x": "1"})
	c := New(Config{RelayHost: "127.0.0.1", RelayPort: relay.port(), Timeout: 5 * time.Second}, logx.Nop())

	err := c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "1"}, "r@example.com", "s", "b")
	var te *kit.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "starttls", te.Op)
}

func TestSendDialFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := newTestClient(port, true)
	err = c.Send(context.Background(), kit.Sender{Login: "a@x", Secret: "1"}, "r@example.com", "s", "b")
	var te *kit.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "dial", te.Op)
}

func TestBuildMessageHeaders(t *testing.T) {
	t.Parallel()
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := string(buildMessage("a@x", "b@y\r\nBcc: evil@z", "Olá {name}", "body", date))

	require.Contains(t, msg, "To: b@y Bcc: evil@z\r\n")
	require.Contains(t, msg, "Subject: =?utf-8?q?Ol=C3=A1_{name}?=\r\n")
	require.Contains(t, msg, "Date: "+date.Format(time.RFC1123Z)+"\r\n")
	require.True(t, strings.HasSuffix(msg, "\r\n\r\nbody\r\n"))
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop())
	require.Equal(t, net.JoinHostPort(DefaultRelayHost, strconv.Itoa(DefaultRelayPort)), c.Addr())
	require.Equal(t, DefaultTimeout, c.cfg.Timeout)
	require.Nil(t, c.limiter)
}
