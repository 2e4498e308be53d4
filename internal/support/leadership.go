package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	leaderKeyPrefix      = "reachwatch:leader:"
	DefaultLeadershipTTL = 45 * time.Second
	leaseRetryDelay      = time.Second
	leaseOpTimeout       = 5 * time.Second
	minRenewEvery        = time.Second
	renewsPerTTL         = 3
)

// Leadership transitions reported to the observer.
const (
	LeaderAcquired = "acquired"
	LeaderReleased = "released"
	LeaderLost     = "lost"
	LeaderLocal    = "local"
)

var errLeaseLost = errors.New("lease taken over or expired")

// LeadershipObserver is told about every leadership transition of a job.
// *metrics.Metrics satisfies it.
type LeadershipObserver interface {
	ObserveLeadership(job, event string)
}

type observerHolder struct {
	observer LeadershipObserver
}

var (
	leaseCounter      atomic.Uint64
	leadershipWatcher atomic.Pointer[observerHolder]

	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// SetLeadershipObserver installs the observer for all leader-elected jobs.
// Passing nil removes it.
func SetLeadershipObserver(o LeadershipObserver) {
	if o == nil {
		leadershipWatcher.Store(nil)
		return
	}
	leadershipWatcher.Store(&observerHolder{observer: o})
}

func observeLeadership(job, event string) {
	if h := leadershipWatcher.Load(); h != nil {
		h.observer.ObserveLeadership(job, event)
	}
}

// LeaderKey namespaces a job name into the shared lock keyspace.
func LeaderKey(job string) string {
	return leaderKeyPrefix + job
}

// LeaderJob is the inverse of LeaderKey. Keys outside the namespace are
// returned unchanged.
func LeaderJob(key string) string {
	return strings.TrimPrefix(key, leaderKeyPrefix)
}

// RunWithLeader runs job while this instance holds the Redis lease for key.
// The context handed to run ends when the lease is lost or ctx is done.
// After run returns the lease is released and the instance competes again.
//
// Without a configured Redis the process is the only instance and run is
// invoked directly until ctx is done.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	job := LeaderJob(key)

	client, err := GetRedisClient()
	if errors.Is(err, ErrRedisNotConfigured) {
		log.Debug("No redis, running job locally", "job", job)
		observeLeadership(job, LeaderLocal)
		run(ctx)
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}

	for {
		held, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return ctx.Err()
		}

		log.Info("Leadership acquired", "job", job)
		observeLeadership(job, LeaderAcquired)
		run(held.ctx)
		if held.release() {
			log.Info("Leadership released", "job", job)
			observeLeadership(job, LeaderReleased)
		}

		if err := sleepCtx(ctx, leaseRetryDelay); err != nil {
			return err
		}
	}
}

// lease is one held leadership term.
type lease struct {
	client *redis.Client
	key    string
	job    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	lost   atomic.Bool
}

// acquireLease blocks until the lease for key is taken or ctx is done.
func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	token := leaseToken()
	job := LeaderJob(key)

	for {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("Leader lease request failed", "job", job, "error", err)
		case ok:
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				job:    job,
				token:  token,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}

		if err := sleepCtx(ctx, leaseRetryDelay); err != nil {
			return nil, err
		}
	}
}

func (l *lease) renewEvery() time.Duration {
	every := l.ttl / renewsPerTTL
	if every < minRenewEvery {
		every = minRenewEvery
	}
	return every
}

func (l *lease) keepAlive() {
	ticker := time.NewTicker(l.renewEvery())
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("Leadership lost", "job", l.job, "error", err)
				l.lost.Store(true)
				observeLeadership(l.job, LeaderLost)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := extendLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errLeaseLost
	}
	return nil
}

// release stops renewal and gives up the lease. It reports whether the lease
// was still held, so a lost term is not also counted as released.
func (l *lease) release() bool {
	released := false
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		if l.lost.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		if err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("Leader lease release failed", "job", l.job, "error", err)
		}
		released = true
	})
	return released
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func leaseToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaseCounter.Add(1))
}
