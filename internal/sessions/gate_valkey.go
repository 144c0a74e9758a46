package sessions

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ValkeyGate combines the in-process MemoryGate with a Valkey lease so that
// at most one process fleet-wide runs a turn for a session. The local gate
// is always held for the lease duration; intra-process exclusivity never
// depends on the distributed backend.
type ValkeyGate struct {
	client *redis.Client
	local  *MemoryGate
	logger *slog.Logger

	keyPrefix      string
	leaseTTL       time.Duration
	acquireTimeout time.Duration
	heartbeat      time.Duration
	ownerID        string
}

// releaseScript deletes the lease only when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only for the current owner.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewValkeyGate creates a distributed session gate.
func NewValkeyGate(client *redis.Client, cfg GateConfig, logger *slog.Logger) *ValkeyGate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "omniagent"
	}
	return &ValkeyGate{
		client:         client,
		local:          NewMemoryGate(),
		logger:         logger.With("component", "session_gate"),
		keyPrefix:      prefix,
		leaseTTL:       cfg.LeaseTTL,
		acquireTimeout: cfg.AcquireTimeout,
		heartbeat:      cfg.Heartbeat,
		ownerID:        uuid.NewString(),
	}
}

func (g *ValkeyGate) leaseKey(sessionID string) string {
	return g.keyPrefix + ":gate:" + sessionID
}

func (g *ValkeyGate) Acquire(ctx context.Context, sessionID string) (Guard, error) {
	localGuard, err := g.local.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	key := g.leaseKey(sessionID)
	token := g.ownerID + ":" + uuid.NewString()

	for {
		ok, err := g.client.SetNX(leaseCtx, key, token, g.leaseTTL).Result()
		if err != nil {
			localGuard.Release()
			return nil, err
		}
		if ok {
			guard := &valkeyGuard{gate: g, key: key, token: token, local: localGuard}
			if g.heartbeat > 0 {
				guard.startRenew()
			}
			return guard, nil
		}

		select {
		case <-leaseCtx.Done():
			localGuard.Release()
			return nil, ErrGateTimeout
		case <-time.After(200 * time.Millisecond):
		}
	}
}

type valkeyGuard struct {
	gate  *ValkeyGate
	key   string
	token string
	local Guard

	once      sync.Once
	stopRenew context.CancelFunc
	leaseLost atomic.Bool
}

func (v *valkeyGuard) startRenew() {
	ctx, cancel := context.WithCancel(context.Background())
	v.stopRenew = cancel

	go func() {
		ticker := time.NewTicker(v.gate.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := renewScript.Run(ctx, v.gate.client,
					[]string{v.key}, v.token, v.gate.leaseTTL.Milliseconds()).Int()
				if err != nil || n == 0 {
					// Lease is gone; keep running under the local mutex
					// and report the loss at release.
					v.leaseLost.Store(true)
					v.gate.logger.Warn("session lease lost mid-turn", "key", v.key)
					return
				}
			}
		}
	}()
}

func (v *valkeyGuard) Release() error {
	var err error
	v.once.Do(func() {
		if v.stopRenew != nil {
			v.stopRenew()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: an expired lease has nothing to delete.
		_, _ = releaseScript.Run(ctx, v.gate.client, []string{v.key}, v.token).Result()
		v.local.Release()
		if v.leaseLost.Load() {
			err = ErrLeaseLost
		}
	})
	return err
}
