package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	agentconfig "breakglass/internal/agent/config"
	"breakglass/internal/ledger"
	"breakglass/internal/token"
	"breakglass/internal/token/nonce"
	"breakglass/internal/vault"
	"breakglass/internal/vault/gate"
)

type fixture struct {
	svc        *Service
	issuer     *token.Issuer
	vault      *vault.Vault
	ledgerPath string
	filesRoot  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	filesRoot := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesRoot, 0o700); err != nil {
		t.Fatalf("mkdir files root: %v", err)
	}

	iss, err := token.New([]byte("agent-test-key"), nonce.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	v, err := vault.Open("vault-prod", filepath.Join(dir, "vault.db"), "agent-test-material")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })

	ledgerPath := filepath.Join(dir, "audit.jsonl")
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	cfg := &agentconfig.Config{
		AgentID:    "agent-1",
		SubnetID:   "subnet-a",
		LedgerPath: ledgerPath,
		TokenKey:   "agent-test-key",
		Adapters: map[string]agentconfig.AdapterConfig{
			"files": {Enabled: true, Options: map[string]string{"root": filesRoot}},
		},
	}
	svc, err := New(cfg, iss, gate.New(v, iss, nil), led, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	return &fixture{svc: svc, issuer: iss, vault: v, ledgerPath: ledgerPath, filesRoot: filesRoot}
}

func (f *fixture) events(t *testing.T) []ledger.Event {
	t.Helper()
	file, err := os.Open(f.ledgerPath)
	if err != nil {
		t.Fatalf("open ledger file: %v", err)
	}
	defer file.Close()
	var events []ledger.Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev ledger.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal ledger line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func (f *fixture) lastEventTypes(t *testing.T, n int) []ledger.EventType {
	t.Helper()
	events := f.events(t)
	if len(events) < n {
		t.Fatalf("expected at least %d ledger events, got %d", n, len(events))
	}
	var types []ledger.EventType
	for _, ev := range events[len(events)-n:] {
		types = append(types, ev.Type)
	}
	return types
}

func TestCheckpointCoversLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.vault.StoreSecret(ctx, "/db/password", "prod-pass", "owner1"); err != nil {
		t.Fatalf("store secret: %v", err)
	}
	tok, err := f.issuer.Issue(ctx, "REQ-1", "vault-prod", "/db/password", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result := f.svc.Retrieve(ctx, tok.Token, "", nil); !result.Success {
		t.Fatalf("retrieve failed: %+v", result)
	}

	cp, err := f.svc.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.Count != f.svc.Health().LedgerEntries {
		t.Fatalf("checkpoint count %d does not match ledger entries %d", cp.Count, f.svc.Health().LedgerEntries)
	}
	if len(cp.Root) != 64 || cp.Root == strings.Repeat("0", 64) {
		t.Fatalf("expected a real merkle root, got %q", cp.Root)
	}

	// The root is deterministic for an unchanged chain.
	again, err := f.svc.Checkpoint()
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if again.Root != cp.Root || again.Count != cp.Count {
		t.Fatalf("checkpoint not deterministic: %q vs %q", again.Root, cp.Root)
	}
}

func TestStartWritesStartupEvent(t *testing.T) {
	f := newFixture(t)
	events := f.events(t)
	if len(events) != 1 || events[0].Type != ledger.EventAgentStartup {
		t.Fatalf("expected a single AGENT_STARTUP event, got %+v", events)
	}
}

func TestRetrieveFromVault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.vault.StoreSecret(ctx, "/db/password", "prod-pass", "owner1"); err != nil {
		t.Fatalf("store secret: %v", err)
	}
	tok, err := f.issuer.Issue(ctx, "REQ-1", "vault-prod", "/db/password", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	result := f.svc.Retrieve(ctx, tok.Token, "", nil)
	if !result.Success || result.Secret != "prod-pass" {
		t.Fatalf("expected successful retrieval, got %+v", result)
	}
	if result.ReqID != "REQ-1" || result.AgentID != "agent-1" || result.SubnetID != "subnet-a" {
		t.Fatalf("result missing identity fields: %+v", result)
	}

	types := f.lastEventTypes(t, 2)
	if types[0] != ledger.EventRetrievalAttempt || types[1] != ledger.EventRetrievalSuccess {
		t.Fatalf("expected ATTEMPT then SUCCESS in the ledger, got %v", types)
	}
}

func TestRetrieveReplayFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.vault.StoreSecret(ctx, "/db/password", "prod-pass", "owner1"); err != nil {
		t.Fatalf("store secret: %v", err)
	}
	tok, err := f.issuer.Issue(ctx, "REQ-1", "vault-prod", "/db/password", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if result := f.svc.Retrieve(ctx, tok.Token, "", nil); !result.Success {
		t.Fatalf("expected first retrieval to succeed, got %+v", result)
	}
	replay := f.svc.Retrieve(ctx, tok.Token, "", nil)
	if replay.Success || replay.Secret != "" {
		t.Fatalf("replay must fail without a secret, got %+v", replay)
	}
	if replay.Error != genericRefusal {
		t.Fatalf("replay must use the generic refusal text, got %q", replay.Error)
	}

	types := f.lastEventTypes(t, 1)
	if types[0] != ledger.EventRetrievalFailure {
		t.Fatalf("expected RETRIEVAL_FAILURE in the ledger, got %v", types)
	}
}

func TestRetrieveGarbageTokenIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result := f.svc.Retrieve(ctx, "not-a-token", "", nil)
	if result.Success || result.Error != genericRefusal {
		t.Fatalf("expected generic refusal, got %+v", result)
	}
	types := f.lastEventTypes(t, 1)
	if types[0] != ledger.EventRejected {
		t.Fatalf("expected REJECTED ledger event, got %v", types)
	}
}

func TestRetrieveViaFilesAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := os.MkdirAll(filepath.Join(f.filesRoot, "nas"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.filesRoot, "nas", "backup-key"), []byte("nas-key-value"), 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	tok, err := f.issuer.Issue(ctx, "REQ-2", "vault-prod", "/nas/backup-key", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	result := f.svc.Retrieve(ctx, tok.Token, "files", map[string]string{"root": f.filesRoot})
	if !result.Success || result.Secret != "nas-key-value" {
		t.Fatalf("expected adapter retrieval to succeed, got %+v", result)
	}

	// The adapter path consumes the nonce like the vault path does.
	replay := f.svc.Retrieve(ctx, tok.Token, "files", map[string]string{"root": f.filesRoot})
	if replay.Success {
		t.Fatalf("expected adapter replay to fail, got %+v", replay)
	}
}

func TestRetrieveUnknownAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok, err := f.issuer.Issue(ctx, "REQ-3", "vault-prod", "/x", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	result := f.svc.Retrieve(ctx, tok.Token, "smb", nil)
	if result.Success {
		t.Fatalf("expected failure for adapter the agent does not carry, got %+v", result)
	}
}

func TestValidateTokenUsesCacheWithoutMaskingExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	clock := time.Now()
	f.svc.now = func() time.Time { return clock }

	tok, err := f.issuer.Issue(ctx, "REQ-4", "vault-prod", "/x", 2*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, ok := f.svc.ValidateToken(ctx, tok.Token); !ok {
		t.Fatalf("expected fresh token to validate")
	}
	if _, cached := f.svc.cache[tok.Token]; !cached {
		t.Fatalf("expected a positive cache entry")
	}
	if _, ok := f.svc.ValidateToken(ctx, tok.Token); !ok {
		t.Fatalf("expected cached token to validate")
	}

	// A cache entry that outlives the token's own exp must not keep it alive.
	clock = clock.Add(4 * time.Second)
	if _, ok := f.svc.ValidateToken(ctx, tok.Token); ok {
		t.Fatalf("expired token must not validate from the cache")
	}
}

func TestCachedValidationNeverMasksNonceState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.vault.StoreSecret(ctx, "/db/password", "pass", "owner1"); err != nil {
		t.Fatalf("store secret: %v", err)
	}
	tok, err := f.issuer.Issue(ctx, "REQ-5", "vault-prod", "/db/password", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Warm the decode cache, then consume the nonce behind its back.
	if _, ok := f.svc.ValidateToken(ctx, tok.Token); !ok {
		t.Fatalf("expected token to validate")
	}
	if err := f.issuer.MarkNonceUsed(ctx, tok.Nonce); err != nil {
		t.Fatalf("mark nonce used: %v", err)
	}

	result := f.svc.Retrieve(ctx, tok.Token, "", nil)
	if result.Success || result.Secret != "" {
		t.Fatalf("cached decode must not bypass the nonce store, got %+v", result)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.Retrieve(ctx, "bad-token", "", nil)

	h := f.svc.Health()
	if h.AgentID != "agent-1" || h.SubnetID != "subnet-a" {
		t.Fatalf("health missing identity: %+v", h)
	}
	if h.Requests != 1 || h.Errors != 1 || h.ErrorRate != 1.0 {
		t.Fatalf("health counters wrong: %+v", h)
	}
	if st, ok := h.Adapters["files"]; !ok || !st.Loaded {
		t.Fatalf("health must report loaded adapters: %+v", h.Adapters)
	}
	if h.LedgerEntries < 2 {
		t.Fatalf("health must report ledger entries, got %d", h.LedgerEntries)
	}
}

func TestShutdownWritesEventAndCleansAdapters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.Shutdown(ctx)

	types := f.lastEventTypes(t, 1)
	if types[0] != ledger.EventAgentShutdown {
		t.Fatalf("expected AGENT_SHUTDOWN as the last event, got %v", types)
	}
}
