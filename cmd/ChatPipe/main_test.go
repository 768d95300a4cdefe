package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/api"
	"github.com/BTreeMap/ChatPipe/internal/config"
	"github.com/BTreeMap/ChatPipe/internal/lockfile"
	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/testutil"
)

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	opts, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	opts.StateDir = t.TempDir()
	opts.InMemory = true
	opts.Worker.PollingInterval = 10 * time.Millisecond
	opts.Worker.DrainTimeout = time.Second
	opts.HTTP.ShutdownTimeout = time.Second
	return opts
}

func TestRun_EndToEnd(t *testing.T) {
	opts := testOptions(t)
	provider := testutil.NewRecordingProvider("test")
	fakeAgent := &testutil.FakeAgent{Prefix: "echo: "}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan *api.Server, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, opts, &overrides{
			agent:     fakeAgent,
			providers: []messaging.Provider{provider},
			listener:  ln,
			started:   started,
		})
	}()
	select {
	case <-started:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	resp, err := http.Post("http://"+ln.Addr().String()+"/webhooks/test", "application/json",
		strings.NewReader(`{"id":"e2e-1","sender":"u1","text":"hello"}`))
	if err != nil {
		t.Fatalf("webhook POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(provider.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := provider.Sent()
	if len(sent) != 1 || sent[0].Target != "u1" || sent[0].Message.Content != "echo: hello" {
		t.Fatalf("unexpected deliveries %+v", sent)
	}

	// A second instance on the same state directory must refuse to start.
	err = run(context.Background(), opts, &overrides{agent: fakeAgent, providers: []messaging.Provider{}})
	var lockErr *lockfile.LockError
	if !errors.As(err, &lockErr) {
		t.Errorf("expected LockError for second instance, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestBuildProviders(t *testing.T) {
	opts := testOptions(t)
	providers, err := buildProviders(opts)
	if err != nil || len(providers) != 0 {
		t.Fatalf("expected no providers, got %d, %v", len(providers), err)
	}

	opts.Telegram.Token = "123:abc"
	opts.Telegram.SecretToken = "s"
	opts.Slack.BotToken = "xoxb-test"
	opts.Twilio.AccountSID = "AC123"
	opts.Twilio.AuthToken = "token"
	opts.Twilio.From = "+15550000000"
	providers, err = buildProviders(opts)
	if err != nil {
		t.Fatalf("buildProviders failed: %v", err)
	}
	var ids []string
	for _, p := range providers {
		ids = append(ids, p.PlatformID())
	}
	if strings.Join(ids, ",") != "twilio,telegram,slack" {
		t.Errorf("unexpected providers %v", ids)
	}
}

func TestBuildOptions(t *testing.T) {
	opts := testOptions(t)
	if n := len(buildQueueOptions(opts)); n != 4 {
		t.Errorf("queue options = %d", n)
	}
	if n := len(buildSessionOptions(opts)); n != 4 {
		t.Errorf("session options = %d", n)
	}
	if n := len(buildWorkerOptions(opts)); n != 5 {
		t.Errorf("worker options = %d", n)
	}
	opts.HTTP.PublicURL = "https://chat.example.com"
	if n := len(buildAPIOptions(opts)); n != 3 {
		t.Errorf("api options = %d", n)
	}

	opts.Agent.APIKey = "sk-test"
	opts.Agent.Model = "gpt-4o"
	opts.Agent.SystemPrompt = "be brief"
	gopts, err := buildGenAIOptions(opts)
	if err != nil || len(gopts) != 6 {
		t.Errorf("genai options = %d, %v", len(gopts), err)
	}
	opts.Agent.SystemPromptFile = opts.StateDir + "/missing.txt"
	if _, err := buildGenAIOptions(opts); err == nil {
		t.Error("missing prompt file should fail")
	}
}
