package images

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
)

// fakeProber succeeds only for URLs in the ok set and records probe order
type fakeProber struct {
	mu     sync.Mutex
	ok     map[string]bool
	probed []string
	block  chan struct{} // when set, probes wait here
}

func (p *fakeProber) Probe(ctx context.Context, url string) error {
	p.mu.Lock()
	p.probed = append(p.probed, url)
	block := p.block
	p.mu.Unlock()

	if block != nil {
		<-block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ok[url] {
		return nil
	}
	return fmt.Errorf("probe %s: unexpected status 504", url)
}

func (p *fakeProber) probes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.probed))
	copy(out, p.probed)
	return out
}

func newTestLoader(prober Prober, capacity int) *Loader {
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	return NewLoader(prober, Config{
		Gateways:      testGateways,
		CacheCapacity: capacity,
		MaxConcurrent: 2,
	}, logger)
}

func TestLoader_FirstWorkingCandidateWins(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{"https://dweb.link/ipfs/QmHash/a.png": true}}
	l := newTestLoader(prober, 10)

	url, err := l.Resolve(context.Background(), "ipfs://QmHash/a.png")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if url != "https://dweb.link/ipfs/QmHash/a.png" {
		t.Errorf("Resolve() = %q, want the dweb.link rewrite", url)
	}
	want := []string{
		"https://ipfs.io/ipfs/QmHash/a.png",
		"https://dweb.link/ipfs/QmHash/a.png",
	}
	got := prober.probes()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("probe order = %v, want strict order %v", got, want)
	}
}

func TestLoader_SuccessStopsProbing(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{"https://ipfs.io/ipfs/QmHash/a.png": true}}
	l := newTestLoader(prober, 10)

	if _, err := l.Resolve(context.Background(), "ipfs://QmHash/a.png"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := len(prober.probes()); got != 1 {
		t.Errorf("probe count = %d, want 1 (no probing past the first success)", got)
	}
}

func TestLoader_AllCandidatesFailIsTerminal(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{}}
	l := newTestLoader(prober, 10)

	_, err := l.Resolve(context.Background(), "ipfs://QmHash/a.png")
	if cerr := errors.Categorize(err); cerr == nil || cerr.Category != errors.CategoryImage {
		t.Fatalf("Resolve() error = %v, want image unavailable", err)
	}
	probesAfterFirst := len(prober.probes())

	// A second resolve must hit the terminal cache entry, not re-probe.
	_, err = l.Resolve(context.Background(), "ipfs://QmHash/a.png")
	if cerr := errors.Categorize(err); cerr == nil || cerr.Category != errors.CategoryImage {
		t.Fatalf("second Resolve() error = %v, want image unavailable", err)
	}
	if got := len(prober.probes()); got != probesAfterFirst {
		t.Errorf("probe count = %d after cached unavailable, want %d", got, probesAfterFirst)
	}
}

func TestLoader_ResolvedURLIsCached(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{"https://ipfs.io/ipfs/QmHash/a.png": true}}
	l := newTestLoader(prober, 10)

	first, _ := l.Resolve(context.Background(), "ipfs://QmHash/a.png")
	second, _ := l.Resolve(context.Background(), "ipfs://QmHash/a.png")

	if first != second {
		t.Errorf("Resolve() = %q then %q, want stable cached URL", first, second)
	}
	if got := len(prober.probes()); got != 1 {
		t.Errorf("probe count = %d, want 1", got)
	}
}

func TestLoader_CacheEvictsOldestInserted(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{}}
	for i := 0; i < 5; i++ {
		prober.ok[fmt.Sprintf("https://example.com/art/%d.png", i)] = true
	}
	l := newTestLoader(prober, 3)
	// Every probe succeeds, so each ref becomes one cached entry.
	for i := 0; i < 5; i++ {
		l.Resolve(context.Background(), fmt.Sprintf("https://example.com/art/%d.png", i))
	}

	if got := l.Len(); got != 3 {
		t.Errorf("Len() = %d, want capacity 3", got)
	}
	if _, ok := l.Peek("https://example.com/art/0.png"); ok {
		t.Error("oldest entry still cached after eviction")
	}
	if _, ok := l.Peek("https://example.com/art/4.png"); !ok {
		t.Error("newest entry missing from cache")
	}
}

func TestLoader_ConcurrentResolvesShareOneProbeSequence(t *testing.T) {
	prober := &fakeProber{
		ok:    map[string]bool{"https://ipfs.io/ipfs/QmHash/a.png": true},
		block: make(chan struct{}),
	}
	l := newTestLoader(prober, 10)

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = l.Resolve(context.Background(), "ipfs://QmHash/a.png")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(prober.block)
	wg.Wait()

	if got := len(prober.probes()); got != 1 {
		t.Errorf("probe count = %d for 4 concurrent resolves, want 1", got)
	}
	for i, url := range results {
		if url != "https://ipfs.io/ipfs/QmHash/a.png" {
			t.Errorf("results[%d] = %q, want the shared resolved URL", i, url)
		}
	}
}

func TestLoader_OpenBreakerSkipsGateway(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{"https://dweb.link/ipfs/QmA": true, "https://dweb.link/ipfs/QmB": true}}
	l := newTestLoader(prober, 10)

	// Each image fails on ipfs.io; the third failure trips its breaker.
	for _, cid := range []string{"QmA", "QmB"} {
		l.Resolve(context.Background(), "ipfs://"+cid)
	}
	l.Resolve(context.Background(), "ipfs://QmDead")

	before := len(prober.probes())
	prober.mu.Lock()
	prober.ok["https://dweb.link/ipfs/QmC"] = true
	prober.mu.Unlock()

	url, err := l.Resolve(context.Background(), "ipfs://QmC")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if url != "https://dweb.link/ipfs/QmC" {
		t.Errorf("Resolve() = %q, want dweb.link with ipfs.io skipped", url)
	}
	got := prober.probes()[before:]
	if len(got) != 1 || got[0] != "https://dweb.link/ipfs/QmC" {
		t.Errorf("probes after breaker opened = %v, want dweb.link only", got)
	}
}

func TestLoader_AllBreakersOpenIsNotTerminal(t *testing.T) {
	gateways := []string{"https://ipfs.io/ipfs/"}
	prober := &fakeProber{ok: map[string]bool{}}
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	l := NewLoader(prober, Config{Gateways: gateways, CacheCapacity: 10, MaxConcurrent: 1}, logger)

	// Three failing images trip the only gateway's breaker.
	for _, cid := range []string{"QmA", "QmB", "QmC"} {
		l.Resolve(context.Background(), "ipfs://"+cid)
	}
	before := len(prober.probes())

	// Nothing can be probed while the breaker cools down; that verdict is
	// about the gateway, not the image, so it must not become terminal.
	_, err := l.Resolve(context.Background(), "ipfs://QmNew")
	if cerr := errors.Categorize(err); cerr == nil || cerr.Category != errors.CategoryTransport {
		t.Fatalf("Resolve() error = %v, want transport error while gateways cool down", err)
	}
	if got := len(prober.probes()); got != before {
		t.Errorf("probe count = %d with all breakers open, want %d", got, before)
	}
	if _, ok := l.Peek("ipfs://QmNew"); ok {
		t.Error("cooldown outcome was cached, want no entry")
	}

	// Gateway recovers: the same reference resolves on the next attempt.
	l.breakers.GetOrCreate(GatewayHost("https://ipfs.io/ipfs/QmNew"), nil).Reset()
	prober.mu.Lock()
	prober.ok["https://ipfs.io/ipfs/QmNew"] = true
	prober.mu.Unlock()

	url, err := l.Resolve(context.Background(), "ipfs://QmNew")
	if err != nil {
		t.Fatalf("Resolve() after recovery error = %v", err)
	}
	if url != "https://ipfs.io/ipfs/QmNew" {
		t.Errorf("Resolve() = %q, want the recovered gateway URL", url)
	}
}

func TestLoader_EnqueueResolvesInBackground(t *testing.T) {
	prober := &fakeProber{ok: map[string]bool{"https://ipfs.io/ipfs/QmHash/a.png": true}}
	l := newTestLoader(prober, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Enqueue("ipfs://QmHash/a.png", true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := l.Peek("ipfs://QmHash/a.png"); ok && res.URL != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("enqueued reference never resolved")
}

var propRefCounter int64 // distinct refs per property run

// Property: whichever candidate index is the first working one, the loader
// returns exactly that URL and never probes past it.
func TestLoader_FallbackOrderProperty(t *testing.T) {
	gateways := []string{
		"https://g0.example/ipfs/",
		"https://g1.example/ipfs/",
		"https://g2.example/ipfs/",
		"https://g3.example/ipfs/",
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("first working candidate wins", prop.ForAll(
		func(workingIdx int) bool {
			cid := fmt.Sprintf("Qm%06d", atomic.AddInt64(&propRefCounter, 1))
			candidates := Candidates("ipfs://"+cid, gateways)

			prober := &fakeProber{ok: map[string]bool{candidates[workingIdx]: true}}
			logger := logging.NewLogger(logging.LevelError, logging.FormatText)
			l := NewLoader(prober, Config{Gateways: gateways, CacheCapacity: 10, MaxConcurrent: 1}, logger)

			url, err := l.Resolve(context.Background(), "ipfs://"+cid)
			if err != nil {
				return false
			}
			probed := prober.probes()
			return url == candidates[workingIdx] && len(probed) == workingIdx+1
		},
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
