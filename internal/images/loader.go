// Package images resolves NFT image references to a working URL. An IPFS
// reference can be served by any public gateway; the loader probes candidate
// URLs strictly in order and remembers, per session, which one answered.
package images

import (
	"context"
	"fmt"
	"sync"

	"github.com/market-sync/internal/circuitbreaker"
	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
)

// Resolution is the cached outcome for one image reference. Unavailable is
// terminal for the session: once every candidate has failed, the reference
// is not probed again.
type Resolution struct {
	URL         string `json:"url,omitempty"`
	Unavailable bool   `json:"unavailable"`
}

// Config holds the loader's knobs
type Config struct {
	Gateways      []string
	CacheCapacity int
	MaxConcurrent int
}

type inflightResolve struct {
	done chan struct{}
	url  string
	err  error
}

// Loader resolves image references against a set of IPFS gateways with a
// bounded session cache and a bounded-concurrency background queue.
type Loader struct {
	prober   Prober
	gateways []string
	capacity int
	breakers *circuitbreaker.Manager
	logger   *logging.Logger

	mu       sync.Mutex
	cache    map[string]Resolution // keyed by the first candidate URL
	order    []string
	inflight map[string]*inflightResolve

	highPri chan string
	lowPri  chan string
	workers int
}

// NewLoader creates an image loader
func NewLoader(prober Prober, cfg Config, logger *logging.Logger) *Loader {
	return &Loader{
		prober:   prober,
		gateways: cfg.Gateways,
		capacity: cfg.CacheCapacity,
		breakers: circuitbreaker.NewManager(logger),
		logger:   logger,
		cache:    make(map[string]Resolution),
		inflight: make(map[string]*inflightResolve),
		highPri:  make(chan string, 64),
		lowPri:   make(chan string, 1024),
		workers:  cfg.MaxConcurrent,
	}
}

// Start launches the background resolve workers. They drain the priority
// queue first so on-screen images are never stuck behind a prefetch backlog.
func (l *Loader) Start(ctx context.Context) {
	for i := 0; i < l.workers; i++ {
		go l.worker(ctx)
	}
}

func (l *Loader) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-l.highPri:
			l.resolveQuietly(ctx, ref)
		default:
			select {
			case <-ctx.Done():
				return
			case ref := <-l.highPri:
				l.resolveQuietly(ctx, ref)
			case ref := <-l.lowPri:
				l.resolveQuietly(ctx, ref)
			}
		}
	}
}

func (l *Loader) resolveQuietly(ctx context.Context, ref string) {
	if _, err := l.Resolve(ctx, ref); err != nil {
		l.logger.WithError(err).WithField("ref", ref).Debug("Background image resolve failed")
	}
}

// Enqueue schedules a reference for background resolution. Priority marks
// the image as visible right now, letting it jump the prefetch backlog. A
// full queue drops the request; the next Resolve will do the work inline.
func (l *Loader) Enqueue(ref string, priority bool) {
	if ref == "" {
		return
	}
	queue := l.lowPri
	if priority {
		queue = l.highPri
	}
	select {
	case queue <- ref:
	default:
	}
}

// Resolve returns a working URL for an image reference, probing candidates
// strictly in order on a cache miss. Concurrent resolves for the same
// reference share one probe sequence. A reference whose candidates have all
// failed is terminally unavailable for this session.
func (l *Loader) Resolve(ctx context.Context, ref string) (string, error) {
	candidates := Candidates(ref, l.gateways)
	if len(candidates) == 0 {
		return "", errors.NewImageUnavailableError(ref)
	}
	key := candidates[0]

	l.mu.Lock()
	if res, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return resolutionResult(ref, res)
	}
	if flight, ok := l.inflight[key]; ok {
		l.mu.Unlock()
		select {
		case <-flight.done:
			return flight.url, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	flight := &inflightResolve{done: make(chan struct{})}
	l.inflight[key] = flight
	l.mu.Unlock()

	res, attempted := l.probeCandidates(ctx, candidates)

	l.mu.Lock()
	delete(l.inflight, key)
	// Unavailable is terminal only when at least one candidate was actually
	// probed. All breakers open is a gateway cooldown, not a fact about the
	// image, so that outcome stays out of the cache and the next resolve
	// probes again.
	if attempted || !res.Unavailable {
		l.storeLocked(key, res)
	}
	l.mu.Unlock()

	url, err := resolveOutcome(ref, res, attempted)
	flight.url, flight.err = url, err
	close(flight.done)

	return url, err
}

func resolutionResult(ref string, res Resolution) (string, error) {
	if res.Unavailable {
		return "", errors.NewImageUnavailableError(ref)
	}
	return res.URL, nil
}

func resolveOutcome(ref string, res Resolution, attempted bool) (string, error) {
	if !res.Unavailable {
		return res.URL, nil
	}
	if !attempted {
		return "", errors.NewTransportError("image", fmt.Errorf("all gateways cooling down for %s", ref))
	}
	return "", errors.NewImageUnavailableError(ref)
}

// probeCandidates walks the candidate list front to back. A gateway whose
// breaker is open is skipped without counting as a failure of the image;
// attempted reports whether any candidate was actually probed.
func (l *Loader) probeCandidates(ctx context.Context, candidates []string) (res Resolution, attempted bool) {
	for _, url := range candidates {
		breaker := l.breakers.GetOrCreate(GatewayHost(url), nil)
		if !breaker.Allow() {
			continue
		}
		attempted = true
		if err := l.prober.Probe(ctx, url); err != nil {
			breaker.RecordFailure()
			l.logger.WithError(err).WithField("url", url).Debug("Image candidate failed")
			continue
		}
		breaker.RecordSuccess()
		return Resolution{URL: url}, true
	}
	return Resolution{Unavailable: true}, attempted
}

// storeLocked upserts a cache entry under the FIFO bound
func (l *Loader) storeLocked(key string, res Resolution) {
	if _, exists := l.cache[key]; !exists {
		l.order = append(l.order, key)
	}
	l.cache[key] = res
	for len(l.cache) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.cache, oldest)
	}
}

// Peek returns the cached resolution without triggering a probe
func (l *Loader) Peek(ref string) (Resolution, bool) {
	candidates := Candidates(ref, l.gateways)
	if len(candidates) == 0 {
		return Resolution{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.cache[candidates[0]]
	return res, ok
}

// Len returns the number of cached resolutions
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
