// Package agent implements the per-subnet retrieval daemon: it validates
// broker-issued tokens, dispatches retrievals to the embedded vault gate or a
// configured external adapter, and writes every attempt to the local ledger.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"breakglass/internal/adapter"
	"breakglass/internal/agent/config"
	"breakglass/internal/ledger"
	"breakglass/internal/token"
	"breakglass/internal/vault/gate"
)

// genericRefusal is the only failure text the API surface ever sees for a bad
// token. The ledger keeps the precise reason; the wire must not become an
// oracle for distinguishing expired from never-issued.
const genericRefusal = "invalid or expired token"

// tokenCacheTTL bounds how long a positive decode result is reused. Nonce
// state is never cached; only the signature and structural checks are.
const tokenCacheTTL = 5 * time.Second

var (
	retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breakglass_agent_retrievals_total",
		Help: "Retrieval requests handled by the agent, by outcome status.",
	}, []string{"status"})

	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "breakglass_agent_retrieval_duration_seconds",
		Help:    "Wall time of retrieval requests.",
		Buckets: prometheus.DefBuckets,
	})
)

// RetrieveResult is the agent's API-level outcome structure.
type RetrieveResult struct {
	Success         bool   `json:"success"`
	Secret          string `json:"secret,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
	RetrievalTimeMS int64  `json:"retrieval_time_ms"`
	AgentID         string `json:"agent_id"`
	SubnetID        string `json:"subnet_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// AdapterStatus reports one loaded adapter in the health structure.
type AdapterStatus struct {
	Loaded bool   `json:"loaded"`
	Type   string `json:"type"`
}

// Health is the GET /agent/health response body.
type Health struct {
	AgentID       string                   `json:"agent_id"`
	SubnetID      string                   `json:"subnet_id"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Requests      int64                    `json:"requests"`
	Errors        int64                    `json:"errors"`
	ErrorRate     float64                  `json:"error_rate"`
	Adapters      map[string]AdapterStatus `json:"adapters"`
	LedgerEntries int                      `json:"ledger_entries"`
}

type cacheEntry struct {
	claims  *token.Claims
	expires time.Time
}

// Service is the agent daemon core. One instance per process.
type Service struct {
	cfg    *config.Config
	issuer *token.Issuer
	gate   *gate.Gate
	ledger *ledger.Ledger
	logger *slog.Logger

	started  time.Time
	requests atomic.Int64
	errors   atomic.Int64

	adapterMu sync.Mutex
	adapters  map[string]adapter.Adapter

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
	now     func() time.Time
}

// New wires the service and instantiates every adapter the configuration
// enables. An unknown adapter name in the config is a startup error, not
// something to discover on the first retrieval.
func New(cfg *config.Config, issuer *token.Issuer, g *gate.Gate, led *ledger.Ledger, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		issuer:   issuer,
		gate:     g,
		ledger:   led,
		logger:   logger,
		started:  time.Now(),
		adapters: map[string]adapter.Adapter{},
		cache:    map[string]cacheEntry{},
		now:      time.Now,
	}
	for _, name := range cfg.EnabledAdapters() {
		a, err := adapter.New(name, cfg.Adapters[name].Options)
		if err != nil {
			return nil, err
		}
		s.adapters[name] = a
		logger.Info("adapter loaded", "adapter", name)
	}
	return s, nil
}

// Start appends the AGENT_STARTUP event. Call before accepting requests.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.ledger.Append(ledger.EventAgentStartup, map[string]any{
		"agent_id":  s.cfg.AgentID,
		"subnet_id": s.cfg.SubnetID,
		"adapters":  adapterNamesOf(s.adapters),
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "agent started",
		"agent_id", s.cfg.AgentID,
		"subnet_id", s.cfg.SubnetID,
	)
	return nil
}

// ValidateToken is the agent's lighter local check: decode, structure and TTL
// only, with a short positive cache. It deliberately skips the nonce store;
// retrieval paths always re-check nonce truth against the canonical store.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*token.Claims, bool) {
	s.cacheMu.Lock()
	if e, ok := s.cache[tokenStr]; ok && s.now().Before(e.expires) {
		claims := e.claims
		s.cacheMu.Unlock()
		if s.now().Unix() > claims.Exp {
			return nil, false
		}
		return claims, true
	}
	s.cacheMu.Unlock()

	claims, status := s.issuer.Validate(ctx, tokenStr, false)
	if status != token.StatusValid {
		return nil, false
	}

	s.cacheMu.Lock()
	for k, e := range s.cache {
		if !s.now().Before(e.expires) {
			delete(s.cache, k)
		}
	}
	s.cache[tokenStr] = cacheEntry{claims: claims, expires: s.now().Add(tokenCacheTTL)}
	s.cacheMu.Unlock()
	return claims, true
}

// Retrieve validates the token and dispatches to the embedded vault gate or,
// when adapterType is set, to that external adapter. Failures never carry a
// secret and never leak an internal error type to the caller.
func (s *Service) Retrieve(ctx context.Context, tokenStr, adapterType string, adapterConfig map[string]string) RetrieveResult {
	begin := s.now()
	s.requests.Add(1)
	defer func() { retrievalDuration.Observe(time.Since(begin).Seconds()) }()

	claims, ok := s.ValidateToken(ctx, tokenStr)
	if !ok {
		s.appendEvent(ledger.EventRejected, map[string]any{"reason": "token failed local validation"})
		return s.failure(begin, "", genericRefusal, "REJECTED")
	}

	s.appendEvent(ledger.EventRetrievalAttempt, map[string]any{
		"req_id":  claims.ReqID,
		"vault":   claims.Vault,
		"path":    claims.Path,
		"adapter": adapterType,
	})

	var (
		secret string
		errMsg string
	)
	if adapterType == "" {
		var status gate.Status
		secret, status = s.gate.Retrieve(ctx, tokenStr, claims.ReqID, s.cfg.AgentID)
		if status != gate.StatusSuccess {
			errMsg = genericRefusal
			if status == gate.StatusSecretNotFound {
				errMsg = "secret not found"
			}
			s.appendEvent(ledger.EventRetrievalFailure, map[string]any{
				"req_id": claims.ReqID,
				"status": string(status),
			})
			return s.failure(begin, claims.ReqID, errMsg, string(status))
		}
	} else {
		var err error
		secret, err = s.retrieveViaAdapter(ctx, tokenStr, claims, adapterType, adapterConfig)
		if err != nil {
			s.appendEvent(ledger.EventRetrievalFailure, map[string]any{
				"req_id":  claims.ReqID,
				"adapter": adapterType,
				"error":   err.Error(),
			})
			return s.failure(begin, claims.ReqID, publicError(err), "ADAPTER_FAILURE")
		}
	}

	elapsed := s.now().Sub(begin)
	s.appendEvent(ledger.EventRetrievalSuccess, map[string]any{
		"req_id":     claims.ReqID,
		"path":       claims.Path,
		"adapter":    adapterType,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	retrievalsTotal.WithLabelValues("SUCCESS").Inc()
	return RetrieveResult{
		Success:         true,
		Secret:          secret,
		ReqID:           claims.ReqID,
		RetrievalTimeMS: elapsed.Milliseconds(),
		AgentID:         s.cfg.AgentID,
		SubnetID:        s.cfg.SubnetID,
	}
}

// retrieveViaAdapter runs the external-adapter path with the same at-most-once
// guarantee as the gate: full validation against the nonce store first, nonce
// consumption before the secret is released.
func (s *Service) retrieveViaAdapter(ctx context.Context, tokenStr string, claims *token.Claims, adapterType string, adapterConfig map[string]string) (string, error) {
	if _, status := s.issuer.Validate(ctx, tokenStr, true); status != token.StatusValid {
		return "", errors.New(genericRefusal)
	}

	s.adapterMu.Lock()
	a, ok := s.adapters[adapterType]
	s.adapterMu.Unlock()
	if !ok {
		return "", errors.New("adapter " + adapterType + " is not enabled on this agent")
	}

	if err := a.Connect(ctx, adapterConfig, nil); err != nil {
		return "", err
	}
	data, err := a.Retrieve(ctx, claims.Path)
	if err != nil {
		return "", err
	}
	if err := s.issuer.MarkNonceUsed(ctx, claims.Nonce); err != nil {
		return "", errors.New(genericRefusal)
	}
	return string(data), nil
}

// Health returns the live health structure.
func (s *Service) Health() Health {
	requests := s.requests.Load()
	errCount := s.errors.Load()
	rate := 0.0
	if requests > 0 {
		rate = float64(errCount) / float64(requests)
	}

	s.adapterMu.Lock()
	adapters := make(map[string]AdapterStatus, len(s.adapters))
	for name := range s.adapters {
		adapters[name] = AdapterStatus{Loaded: true, Type: name}
	}
	s.adapterMu.Unlock()

	return Health{
		AgentID:       s.cfg.AgentID,
		SubnetID:      s.cfg.SubnetID,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Requests:      requests,
		Errors:        errCount,
		ErrorRate:     rate,
		Adapters:      adapters,
		LedgerEntries: s.ledger.Count(),
	}
}

// Checkpoint re-verifies the hash chain and returns a Merkle root over it
// for external anchoring. A broken chain is an error, not a root.
func (s *Service) Checkpoint() (ledger.Checkpoint, error) {
	bad, err := s.ledger.Verify()
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	if bad != 0 {
		return ledger.Checkpoint{}, fmt.Errorf("ledger entry %d fails verification", bad)
	}
	return s.ledger.CheckpointNow(), nil
}

// AdapterNames lists the adapters enabled on this agent.
func (s *Service) AdapterNames() []string {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	return adapterNamesOf(s.adapters)
}

// Shutdown writes the AGENT_SHUTDOWN event with cumulative stats and cleans
// up every loaded adapter. A failing cleanup is logged and skipped; one bad
// adapter must not block the shutdown of the others.
func (s *Service) Shutdown(ctx context.Context) {
	s.appendEvent(ledger.EventAgentShutdown, map[string]any{
		"agent_id":       s.cfg.AgentID,
		"requests":       s.requests.Load(),
		"errors":         s.errors.Load(),
		"uptime_seconds": time.Since(s.started).Seconds(),
	})

	// The final root covers the shutdown event itself, so an operator can
	// anchor the complete ledger of this run.
	cp := s.ledger.CheckpointNow()
	s.logger.InfoContext(ctx, "final ledger checkpoint",
		"root", cp.Root,
		"entries", cp.Count,
	)

	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	for name, a := range s.adapters {
		if err := a.Cleanup(); err != nil {
			s.logger.ErrorContext(ctx, "adapter cleanup failed", "adapter", name, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "adapter cleaned up", "adapter", name)
	}
}

func (s *Service) failure(begin time.Time, reqID, message, status string) RetrieveResult {
	s.errors.Add(1)
	retrievalsTotal.WithLabelValues(status).Inc()
	return RetrieveResult{
		Success:         false,
		ReqID:           reqID,
		Error:           message,
		RetrievalTimeMS: s.now().Sub(begin).Milliseconds(),
		AgentID:         s.cfg.AgentID,
	}
}

func (s *Service) appendEvent(eventType ledger.EventType, payload map[string]any) {
	if _, err := s.ledger.Append(eventType, payload); err != nil {
		// The request keeps going; an unwritable ledger is an operational
		// emergency that the logs must surface loudly.
		s.logger.Error("ledger append failed", "event", string(eventType), "error", err)
	}
}

// publicError keeps adapter failure text bounded. Anything resembling an
// internal error collapses to the generic refusal.
func publicError(err error) string {
	msg := err.Error()
	if len(msg) > 120 {
		return genericRefusal
	}
	return msg
}

func adapterNamesOf(m map[string]adapter.Adapter) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
