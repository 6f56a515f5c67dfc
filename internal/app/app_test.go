package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	kit "commhub/internal/transport"
)

const recipientsCSV = "name,email,number,dept\n" +
	"Ada,ada@example.com,6281100,Eng\n" +
	"Bob,bob@example.com,6281200,Ops\n" +
	"Cy,cy@example.com,6281300,Eng\n"

type gateway struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (g *gateway) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/main" || r.Header.Get("apikey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		g.mu.Lock()
		g.sent = append(g.sent, body)
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"BAE5"},"status":"PENDING"}`))
	}
}

func (g *gateway) messages() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]string(nil), g.sent...)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

// setup writes a roster and a config pointing at gatewayURL and returns the config path.
func setup(t *testing.T, gatewayURL, extra string) string {
	t.Helper()
	dir := t.TempDir()
	rcpts := filepath.Join(dir, "recipients.csv")
	writeFile(t, rcpts, recipientsCSV)
	cfgPath := filepath.Join(dir, "commhub.yaml")
	writeFile(t, cfgPath, `
logging:
  level: error
chat:
  base_url: `+gatewayURL+`
  instance_name: main
  api_key: secret
dispatch:
  inter_send_delay: 0s
roster:
  recipients: `+rcpts+`
`+extra)
	return cfgPath
}

func newApp(t *testing.T, opt Options) *App {
	t.Helper()
	opt.EnvFiles = []string{filepath.Join(t.TempDir(), "none.env")}
	a, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSendChatFiltersGroups(t *testing.T) {
	t.Parallel()
	gw := &gateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	var out bytes.Buffer
	a := newApp(t, Options{ConfigPath: setup(t, srv.URL, ""), Terminal: &out})

	res, err := a.Send(context.Background(), SendOptions{
		Channel:  kit.ChannelChat,
		Template: "Hi {name}!",
		Groups:   []string{"Eng"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 2, res.Succeeded)
	require.Empty(t, res.Failures)

	msgs := gw.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, map[string]string{"number": "6281100", "text": "Hi Ada!"}, msgs[0])
	require.Equal(t, map[string]string{"number": "6281300", "text": "Hi Cy!"}, msgs[1])

	require.Contains(t, out.String(), "Done! 2/2 messages sent successfully.")
	n, err := testutil.GatherAndCount(a.Registry(), "commhub_dispatch_recipients_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSendDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	gw := &gateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()
	a := newApp(t, Options{ConfigPath: setup(t, srv.URL, "")})

	other := filepath.Join(t.TempDir(), "other.csv")
	writeFile(t, other, "name,number\nZed,6289900\n")
	zero := time.Duration(0)

	res, err := a.Send(context.Background(), SendOptions{Channel: kit.ChannelChat, Recipients: other, Delay: &zero})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, "Hi Zed, this is a test WhatsApp message!", gw.messages()[0]["text"])
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	a := newApp(t, Options{ConfigPath: setup(t, "http://127.0.0.1:1", "")})
	ctx := context.Background()

	_, err := a.Send(ctx, SendOptions{Channel: kit.ChannelChat, Template: "Hi {first}"})
	require.True(t, kit.IsConfiguration(err), "got %v", err)
	require.Contains(t, err.Error(), "template")
	require.Contains(t, err.Error(), "first")

	_, err = a.Send(ctx, SendOptions{Channel: kit.ChannelEmail})
	require.True(t, kit.IsConfiguration(err), "got %v", err)
	require.Contains(t, err.Error(), "roster.senders")

	neg := -time.Second
	_, err = a.Send(ctx, SendOptions{Channel: kit.ChannelChat, Delay: &neg})
	require.True(t, kit.IsConfiguration(err), "got %v", err)
}

func TestSendUnreachableGatewayIsolatesFailures(t *testing.T) {
	t.Parallel()
	a := newApp(t, Options{ConfigPath: setup(t, "http://127.0.0.1:1", "")})

	// Subjects are never rendered, so braces in them do not fail the run.
	res, err := a.Send(context.Background(), SendOptions{Channel: kit.ChannelChat, Subject: "Ref {id}"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempted)
	require.Zero(t, res.Succeeded)
	require.Len(t, res.Failures, 3)
	require.Equal(t, "Bob", res.Failures[1].Recipient)
}

func TestGroups(t *testing.T) {
	t.Parallel()
	a := newApp(t, Options{ConfigPath: setup(t, "http://127.0.0.1:1", "")})

	groups, ok, err := a.Groups(kit.ChannelEmail, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Eng", "Ops"}, groups)

	flat := filepath.Join(t.TempDir(), "flat.csv")
	writeFile(t, flat, "name,email\nAda,ada@example.com\n")
	groups, ok, err = a.Groups(kit.ChannelEmail, flat)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, groups)
}

func TestNewWithoutConfigFile(t *testing.T) {
	t.Setenv("EVO_BASE_URL", "http://gateway.local")
	t.Setenv("EVO_INSTANCE_NAME", "main")
	t.Setenv("AUTHENTICATION_API_KEY", "k")
	missing := filepath.Join(t.TempDir(), "commhub.yaml")

	_, err := New(Options{ConfigPath: missing})
	require.Error(t, err)

	a, err := New(Options{ConfigPath: missing, ConfigOptional: true})
	require.NoError(t, err)
	defer a.Close()
	require.True(t, a.Config().ChatConfigured())
	require.Equal(t, "http://gateway.local", a.Config().Chat.BaseURL)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "email:\n  relay_port: 70000\n")
	_, err := New(Options{ConfigPath: path})
	require.True(t, kit.IsConfiguration(err), "got %v", err)
	require.Contains(t, err.Error(), "email.relay_port")
}

func TestCampaignsSkipsDisabled(t *testing.T) {
	t.Parallel()
	a := newApp(t, Options{ConfigPath: setup(t, "http://127.0.0.1:1", `
campaigns:
  - name: weekly
    schedule: "0 9 * * 1"
    channel: whatsapp
    groups: [Eng]
  - name: paused
    schedule: "@daily"
    channel: email
    disabled: true
`)})
	list, err := Campaigns(a.Config())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "weekly", list[0].Name)
	require.Equal(t, kit.ChannelChat, list[0].Channel)
	require.Equal(t, []string{"Eng"}, list[0].Groups)
}

func TestServeReloadsAndStops(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	cfgPath := setup(t, "http://127.0.0.1:1", "metrics:\n  enabled: true\n  addr: 127.0.0.1:0\n")
	a := newApp(t, Options{ConfigPath: cfgPath})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	base, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	updated := strings.Replace(string(base), "inter_send_delay: 0s", "inter_send_delay: 5s", 1) + `
campaigns:
  - name: launch
    schedule: "once:2099-01-01T09:00:00Z"
    channel: chat
`
	// Rewrite until the watcher is up and the reload lands.
	require.Eventually(t, func() bool {
		if a.Config().Dispatch.InterSendDelay == "5s" {
			return true
		}
		writeFile(t, cfgPath, updated)
		return false
	}, 10*time.Second, 500*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return")
	}

	snap := a.Scheduler().Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "launch", snap[0].Name)
	require.Equal(t, kit.ChannelChat, snap[0].Channel)
}
