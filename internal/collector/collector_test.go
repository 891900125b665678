package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"pve-pulse/internal/cache"
	"pve-pulse/internal/config"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
	"pve-pulse/internal/rate"
	"pve-pulse/internal/source"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// mockFetcher serves the "data" member of canned responses keyed by cluster and path.
type mockFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	failures  map[string]error
	calls     map[string]int
	holds     map[string]chan struct{}
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		responses: make(map[string]string),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		holds:     make(map[string]chan struct{}),
	}
}

// hold makes fetches of path block until their context ends. The returned
// channel receives once a fetch is blocked.
func (m *mockFetcher) hold(cluster, path string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	entered := make(chan struct{}, 1)
	m.holds[cluster+path] = entered
	return entered
}

func (m *mockFetcher) set(cluster, path, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, cluster+path)
	m.responses[cluster+path] = data
}

func (m *mockFetcher) fail(cluster, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[cluster+path] = err
}

func (m *mockFetcher) callCount(cluster, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[cluster+path]
}

func (m *mockFetcher) Fetch(ctx context.Context, ep config.ClusterEndpoint, path string) (gjson.Result, error) {
	key := ep.Name + path
	m.mu.Lock()
	m.calls[key]++
	entered, held := m.holds[key]
	m.mu.Unlock()
	if held {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return gjson.Result{}, &source.FetchError{Cluster: ep.Name, Path: path, Err: ctx.Err()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[key]; ok {
		return gjson.Result{}, &source.FetchError{Cluster: ep.Name, Path: path, Err: err}
	}
	data, ok := m.responses[key]
	if !ok {
		return gjson.Result{}, &source.FetchError{Cluster: ep.Name, Path: path, StatusCode: http.StatusNotFound, Err: source.ErrStatus}
	}
	return gjson.Parse(data), nil
}

var clusterA = config.ClusterEndpoint{Name: "a", Endpoint: "https://a:8006/api2/json", Token: "t"}

const nodeStatusJSON = `{
	"cpu": 0.25,
	"memory": {"used": 4096, "total": 8192},
	"swap": {"used": 0, "total": 1024},
	"rootfs": {"used": 100, "total": 1000},
	"cpuinfo": {"model": "AMD EPYC", "cpus": 16},
	"pveversion": "pve-manager/8.1.4",
	"kversion": "Linux 6.5.11",
	"uptime": 3600
}`

func containerStatusJSON(netin, netout uint64) string {
	return fmt.Sprintf(`{"status":"running","cpu":0.1,"mem":512,"maxmem":1024,"netin":%d,"netout":%d,"uptime":60}`, netin, netout)
}

// seedNode registers pve1 with containers 101 and 102 on cluster a.
func seedNode(f *mockFetcher, netin101 uint64) {
	f.set("a", "/nodes", `[{"node":"pve1","status":"online","disk":1,"maxdisk":2,"uptime":3600}]`)
	f.set("a", "/nodes/pve1/status", nodeStatusJSON)
	f.set("a", "/nodes/pve1/lxc", `[{"vmid":"102","status":"running","name":"db"},{"vmid":101,"status":"running","name":"web"}]`)
	f.set("a", "/nodes/pve1/lxc/101/config", `{"hostname":"web.lan"}`)
	f.set("a", "/nodes/pve1/lxc/102/config", `{"hostname":"db.lan"}`)
	f.set("a", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(netin101, 0))
	f.set("a", "/nodes/pve1/lxc/102/status/current", containerStatusJSON(0, 0))
}

func TestParseNodeList(t *testing.T) {
	data := gjson.Parse(`[{"node":"pve2","status":"online"},{"status":"online"},{"node":"pve1"}]`)
	got := ParseNodeList(data)
	if len(got) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", got)
	}
	if got[0].Name != "pve1" || got[1].Name != "pve2" {
		t.Fatalf("expected nodes sorted by name, got %+v", got)
	}
	if got[0].Status != model.UnknownValue {
		t.Fatalf("expected Unknown status default, got %q", got[0].Status)
	}
}

func TestParseContainerList(t *testing.T) {
	data := gjson.Parse(`[{"vmid":"110"},{"vmid":101},{"vmid":"abc"},{"name":"novmid"},{"vmid":105}]`)
	got := ParseContainerList(data)
	want := []int{101, 105, 110}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("expected id %d at %d, got %d", id, i, got[i].ID)
		}
	}
}

func TestNodeCollector_Collect(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 1000)
	nc := NewNodeCollector(f, rate.NewTracker(5), 2, testLogger(), nil)
	nc.SetClock(func() time.Time { return t0 })

	snap := nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1", Status: "online"})

	if snap.Degraded {
		t.Fatal("expected healthy snapshot")
	}
	if snap.Cluster != "a" || snap.Status != "online" || snap.CPU != 0.25 || snap.CPUCores != 16 {
		t.Fatalf("unexpected node fields: %+v", snap)
	}
	if snap.MemoryUsed != 4096 || snap.StorageTotal != 1000 || snap.PVEVersion != "pve-manager/8.1.4" {
		t.Fatalf("unexpected node metrics: %+v", snap)
	}
	if !snap.LastUpdated.Equal(t0) {
		t.Fatalf("expected lastUpdated %v, got %v", t0, snap.LastUpdated)
	}
	if len(snap.Containers) != 2 || snap.Containers[0].ID != 101 || snap.Containers[1].ID != 102 {
		t.Fatalf("expected containers sorted by vmid, got %+v", snap.Containers)
	}
	web := snap.Containers[0]
	if web.Hostname != "web.lan" || web.MemoryUsed != 512 || web.NetIn != 1000 {
		t.Fatalf("unexpected container fields: %+v", web)
	}
	if web.NetInRate != 0 || snap.NetInRate != 0 {
		t.Fatalf("expected zero rate without baseline, got %v / %v", web.NetInRate, snap.NetInRate)
	}
}

func TestNodeCollector_NodeRateIsSumOfContainers(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	tracker := rate.NewTracker(5)
	clock := &fakeClock{now: t0}
	nc := NewNodeCollector(f, tracker, 2, testLogger(), nil)
	nc.SetClock(clock.Now)

	nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1"})
	f.set("a", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(1000, 0))
	f.set("a", "/nodes/pve1/lxc/102/status/current", containerStatusJSON(3000, 0))
	clock.Set(t0.Add(10 * time.Second))
	snap := nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1"})

	if snap.Containers[0].NetInRate != 800 || snap.Containers[1].NetInRate != 2400 {
		t.Fatalf("unexpected container rates: %+v", snap.Containers)
	}
	if snap.NetInRate != 3200 {
		t.Fatalf("expected node rate 3200, got %v", snap.NetInRate)
	}
}

func TestNodeCollector_StatusFailureDegradesNode(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	f.fail("a", "/nodes/pve1/status", context.DeadlineExceeded)
	nc := NewNodeCollector(f, rate.NewTracker(5), 2, testLogger(), nil)

	snap := nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1", Status: "online"})

	if !snap.Degraded {
		t.Fatal("expected degraded node")
	}
	if snap.CPU != 0 || snap.MemoryTotal != 0 || snap.CPUModel != model.UnknownValue {
		t.Fatalf("expected zeroed metrics, got %+v", snap)
	}
	if len(snap.Containers) != 2 {
		t.Fatalf("expected containers still collected, got %d", len(snap.Containers))
	}
	if snap.LastUpdated.IsZero() {
		t.Fatal("expected lastUpdated to be set")
	}
}

func TestNodeCollector_ContainerFailureIsolated(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	f.fail("a", "/nodes/pve1/lxc/102/status/current", context.DeadlineExceeded)
	f.fail("a", "/nodes/pve1/lxc/102/config", source.ErrStatus)
	tracker := rate.NewTracker(5)
	nc := NewNodeCollector(f, tracker, 2, testLogger(), nil)

	snap := nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1"})

	if snap.Degraded {
		t.Fatal("a container failure must not degrade the node")
	}
	web, db := snap.Containers[0], snap.Containers[1]
	if web.Degraded || web.MemoryUsed != 512 {
		t.Fatalf("sibling container affected: %+v", web)
	}
	if !db.Degraded || db.MemoryUsed != 0 || db.NetInRate != 0 {
		t.Fatalf("expected degraded zeroed container, got %+v", db)
	}
	if db.Hostname != "db" || db.Status != "running" {
		t.Fatalf("expected listing values as fallback, got %+v", db)
	}
	if tracker.Len() != 2 {
		t.Fatalf("expected only the healthy container's windows, got %d", tracker.Len())
	}
}

func TestNodeCollector_MissingFieldsDefault(t *testing.T) {
	f := newMockFetcher()
	f.set("a", "/nodes/pve1/status", `{}`)
	f.set("a", "/nodes/pve1/lxc", `[{"vmid":200}]`)
	f.set("a", "/nodes/pve1/lxc/200/config", `{}`)
	f.set("a", "/nodes/pve1/lxc/200/status/current", `{}`)
	nc := NewNodeCollector(f, rate.NewTracker(5), 1, testLogger(), nil)

	snap := nc.Collect(context.Background(), clusterA, NodeSummary{Name: "pve1", Status: model.UnknownValue})

	if snap.Degraded {
		t.Fatal("missing fields are not a failure")
	}
	if snap.KernelVersion != model.UnknownValue || snap.PVEVersion != model.UnknownValue {
		t.Fatalf("expected Unknown defaults, got %+v", snap)
	}
	ct := snap.Containers[0]
	if ct.Hostname != model.UnknownValue || ct.Status != model.UnknownValue || ct.CPU != 0 {
		t.Fatalf("expected Unknown/zero container defaults, got %+v", ct)
	}
}

func newTestAggregator(f Fetcher, clusters []config.ClusterEndpoint, clock *fakeClock) (*Aggregator, *cache.Cache, *rate.Tracker) {
	c := cache.New()
	tracker := rate.NewTracker(5)
	nc := NewNodeCollector(f, tracker, 4, testLogger(), nil)
	agg := NewAggregator(clusters, f, nc, c, 4, testLogger(), nil)
	agg.SetClock(clock.Now)
	return agg, c, tracker
}

func TestAggregator_EndToEndScenario(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	clock := &fakeClock{now: t0}
	agg, c, tracker := newTestAggregator(f, []config.ClusterEndpoint{clusterA}, clock)

	// cycle 1: no baseline
	res := agg.RunCycle(context.Background())
	if res.Outcome() != CycleOK || res.Version != 1 || !res.Changed {
		t.Fatalf("unexpected first cycle: %+v", res)
	}
	snap := c.Snapshot()
	if len(snap.Nodes) != 1 || snap.Nodes[0].Name != "pve1" {
		t.Fatalf("unexpected cache: %+v", snap)
	}
	for _, ct := range snap.Nodes[0].Containers {
		if ct.NetInRate != 0 {
			t.Fatalf("expected netin_rate 0 on first collection, got %+v", ct)
		}
	}

	// cycle 2: 1,000,000 bytes over a 30s window
	f.set("a", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(1_000_000, 0))
	clock.Set(t0.Add(30 * time.Second))
	res = agg.RunCycle(context.Background())
	if res.Version != 2 {
		t.Fatalf("expected version 2, got %d", res.Version)
	}
	got := c.Snapshot().Nodes[0].Containers[0].NetInRate
	if math.Abs(got-266666.6667) > 0.001 {
		t.Fatalf("expected ~266666.7 bps, got %v", got)
	}

	// cycle 3: listing times out, pve1 is carried over untouched
	f.fail("a", "/nodes", context.DeadlineExceeded)
	clock.Set(t0.Add(45 * time.Second))
	res = agg.RunCycle(context.Background())
	if res.Outcome() != CycleFailed || res.Version != 2 || res.Changed {
		t.Fatalf("unexpected third cycle: %+v", res)
	}
	kept := c.Snapshot().Nodes
	if len(kept) != 1 || !kept[0].LastUpdated.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("expected pve1 carried over with prior lastUpdated, got %+v", kept)
	}

	// still unrefreshed past the freshness threshold: pruned, version advances
	p := NewPruner(c, tracker, 120*time.Second, testLogger(), nil)
	p.SetClock(func() time.Time { return t0.Add(30*time.Second + 121*time.Second) })
	removed := p.Prune()
	if len(removed) != 1 || removed[0] != "pve1" {
		t.Fatalf("expected pve1 pruned, got %v", removed)
	}
	if c.Version() != 3 || c.Len() != 0 {
		t.Fatalf("expected empty cache at version 3, got version %d len %d", c.Version(), c.Len())
	}
	if tracker.Len() != 0 {
		t.Fatalf("expected rate windows forgotten, got %d", tracker.Len())
	}
}

func TestAggregator_IdempotentCycle(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 500)
	clock := &fakeClock{now: t0}
	agg, c, _ := newTestAggregator(f, []config.ClusterEndpoint{clusterA}, clock)

	agg.RunCycle(context.Background())
	clock.Set(t0.Add(15 * time.Second))
	res := agg.RunCycle(context.Background())

	if res.Changed || res.Version != 1 {
		t.Fatalf("expected unchanged version 1, got %+v", res)
	}
	if !c.Snapshot().Nodes[0].LastUpdated.Equal(t0.Add(15 * time.Second)) {
		t.Fatal("expected freshness refreshed on unchanged content")
	}
}

func TestAggregator_ListingFailureIsolated(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	clusterB := config.ClusterEndpoint{Name: "b", Endpoint: "https://b:8006/api2/json", Token: "t"}
	f.fail("b", "/nodes", context.DeadlineExceeded)
	clock := &fakeClock{now: t0}
	agg, c, _ := newTestAggregator(f, []config.ClusterEndpoint{clusterA, clusterB}, clock)

	res := agg.RunCycle(context.Background())

	if res.Outcome() != CyclePartial {
		t.Fatalf("expected partial outcome, got %q", res.Outcome())
	}
	if res.Clusters[1].Err == nil || res.Clusters[0].Err != nil {
		t.Fatalf("unexpected cluster outcomes: %+v", res.Clusters)
	}
	if c.Len() != 1 {
		t.Fatalf("expected cluster a's node cached, got %d", c.Len())
	}
}

func TestAggregator_MultipleClusters(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	clusterB := config.ClusterEndpoint{Name: "b", Endpoint: "https://b:8006/api2/json", Token: "t"}
	f.set("b", "/nodes", `[{"node":"pve9","status":"online"},{"node":"pve3","status":"online"}]`)
	for _, n := range []string{"pve3", "pve9"} {
		f.set("b", "/nodes/"+n+"/status", nodeStatusJSON)
		f.set("b", "/nodes/"+n+"/lxc", `[]`)
	}
	clock := &fakeClock{now: t0}
	agg, c, _ := newTestAggregator(f, []config.ClusterEndpoint{clusterA, clusterB}, clock)

	res := agg.RunCycle(context.Background())

	if res.Collected != 3 {
		t.Fatalf("expected 3 nodes collected, got %d", res.Collected)
	}
	nodes := c.Snapshot().Nodes
	names := []string{nodes[0].Name, nodes[1].Name, nodes[2].Name}
	if names[0] != "pve1" || names[1] != "pve3" || names[2] != "pve9" {
		t.Fatalf("expected sorted nodes across clusters, got %v", names)
	}
	if nodes[1].Cluster != "b" {
		t.Fatalf("expected cluster label b, got %q", nodes[1].Cluster)
	}
}

func TestAggregator_HTTPUpstream(t *testing.T) {
	routes := map[string]string{
		"/api2/json/nodes":                             `{"data":[{"node":"pve1","status":"online"}]}`,
		"/api2/json/nodes/pve1/status":                 `{"data":` + nodeStatusJSON + `}`,
		"/api2/json/nodes/pve1/lxc":                    `{"data":[{"vmid":101,"status":"running"}]}`,
		"/api2/json/nodes/pve1/lxc/101/config":         `{"data":{"hostname":"web"}}`,
		"/api2/json/nodes/pve1/lxc/101/status/current": `{"data":` + containerStatusJSON(42, 7) + `}`,
	}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "PVEAPIToken=x" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cfg := config.Config{}
	tlsCfg, err := cfg.UpstreamTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	client := source.NewClient(tlsCfg, time.Second, testLogger())
	ep := config.ClusterEndpoint{Name: "lab", Endpoint: srv.URL + "/api2/json", Token: "PVEAPIToken=x"}
	agg, c, _ := newTestAggregator(client, []config.ClusterEndpoint{ep}, &fakeClock{now: t0})

	res := agg.RunCycle(context.Background())

	if res.Outcome() != CycleOK || res.Version != 1 {
		t.Fatalf("unexpected cycle: %+v", res)
	}
	node := c.Snapshot().Nodes[0]
	if node.Cluster != "lab" || node.CPUModel != "AMD EPYC" || len(node.Containers) != 1 {
		t.Fatalf("unexpected node: %+v", node)
	}
	if ct := node.Containers[0]; ct.Hostname != "web" || ct.NetIn != 42 || ct.NetOut != 7 {
		t.Fatalf("unexpected container: %+v", ct)
	}
}

func TestPruner_KeepsFreshNodes(t *testing.T) {
	c := cache.New()
	c.Merge([]model.NodeSnapshot{
		{Name: "old", LastUpdated: t0},
		{Name: "new", LastUpdated: t0.Add(100 * time.Second)},
	})
	p := NewPruner(c, rate.NewTracker(5), 120*time.Second, testLogger(), nil)
	p.SetClock(func() time.Time { return t0.Add(150 * time.Second) })

	removed := p.Prune()
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("expected only old pruned, got %v", removed)
	}
	if c.Version() != 2 {
		t.Fatalf("expected version 2, got %d", c.Version())
	}
	if p.Prune() != nil || c.Version() != 2 {
		t.Fatal("expected no-op prune to leave the version alone")
	}
}

func TestScheduler_PollsImmediatelyAndStops(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	agg, c, tracker := newTestAggregator(f, []config.ClusterEndpoint{clusterA}, &fakeClock{now: t0})
	pruner := NewPruner(c, tracker, time.Hour, testLogger(), nil)

	cycles := make(chan CycleResult, 16)
	s := NewScheduler(testLogger(), agg, pruner, 20*time.Millisecond, time.Second, func(r CycleResult) {
		select {
		case cycles <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case r := <-cycles:
			if r.Version != 1 {
				t.Fatalf("expected version 1, got %d", r.Version)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for cycle %d", i+1)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if f.callCount("a", "/nodes") < 2 {
		t.Fatalf("expected at least two listings, got %d", f.callCount("a", "/nodes"))
	}
}

func TestAggregator_CancelledCycleKeepsLastKnownData(t *testing.T) {
	f := newMockFetcher()
	seedNode(f, 0)
	clock := &fakeClock{now: t0}
	reg := metrics.New()
	c := cache.New()
	nc := NewNodeCollector(f, rate.NewTracker(5), 4, testLogger(), reg)
	agg := NewAggregator([]config.ClusterEndpoint{clusterA}, f, nc, c, 4, testLogger(), reg)
	agg.SetClock(clock.Now)

	if res := agg.RunCycle(context.Background()); res.Version != 1 {
		t.Fatalf("expected version 1 after the first cycle, got %d", res.Version)
	}

	entered := f.hold("a", "/nodes/pve1/status")
	clock.Set(t0.Add(15 * time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleResult, 1)
	go func() { done <- agg.RunCycle(ctx) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("node status fetch never started")
	}
	cancel()

	var res CycleResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled cycle did not return")
	}
	if !res.Cancelled || res.Outcome() != CycleCancelled || res.Changed || res.Version != 1 {
		t.Fatalf("expected a discarded cycle at version 1, got %+v", res)
	}

	n := c.Snapshot().Nodes[0]
	if c.Version() != 1 || n.Degraded || n.CPU != 0.25 || !n.LastUpdated.Equal(t0) {
		t.Fatalf("expected last-known pve1 untouched, got version %d %+v", c.Version(), n)
	}

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if strings.Contains(body, "pulse_upstream_fetch_errors_total{") {
		t.Fatalf("cancelled fetches must not count as upstream errors:\n%s", body)
	}
	if !strings.Contains(body, `pulse_poll_cycles_total{result="cancelled"} 1`) {
		t.Fatalf("expected one cancelled cycle recorded:\n%s", body)
	}
}

func TestAggregator_SameNodeNameKeepsRatesPerCluster(t *testing.T) {
	f := newMockFetcher()
	clusterB := config.ClusterEndpoint{Name: "b", Endpoint: "https://b:8006/api2/json", Token: "t"}
	for _, cl := range []string{"a", "b"} {
		f.set(cl, "/nodes", `[{"node":"pve1","status":"online"}]`)
		f.set(cl, "/nodes/pve1/status", nodeStatusJSON)
		f.set(cl, "/nodes/pve1/lxc", `[{"vmid":101,"status":"running"}]`)
		f.set(cl, "/nodes/pve1/lxc/101/config", `{"hostname":"web"}`)
	}
	f.set("a", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(0, 0))
	f.set("b", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(5_000_000, 0))
	clock := &fakeClock{now: t0}
	agg, c, tracker := newTestAggregator(f, []config.ClusterEndpoint{clusterA, clusterB}, clock)

	agg.RunCycle(context.Background())
	f.set("a", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(1000, 0))
	f.set("b", "/nodes/pve1/lxc/101/status/current", containerStatusJSON(5_003_000, 0))
	clock.Set(t0.Add(30 * time.Second))
	agg.RunCycle(context.Background())

	n := c.Snapshot().Nodes[0]
	if n.Cluster != "b" {
		t.Fatalf("expected the later cluster to win the name, got %q", n.Cluster)
	}
	if got := n.Containers[0].NetInRate; got != 800 {
		t.Fatalf("expected b's rate from b's own counters (800), got %v", got)
	}
	if tracker.Len() != 4 {
		t.Fatalf("expected separate windows per cluster, got %d", tracker.Len())
	}

	p := NewPruner(c, tracker, 120*time.Second, testLogger(), nil)
	p.SetClock(func() time.Time { return t0.Add(200 * time.Second) })
	p.Prune()
	if tracker.Len() != 0 {
		t.Fatalf("expected every pve1 window forgotten on prune, got %d", tracker.Len())
	}
}

func TestScheduler_PruneFiresOnSchedule(t *testing.T) {
	c := cache.New()
	c.Merge([]model.NodeSnapshot{{Name: "gone", Cluster: "a", LastUpdated: t0}})
	agg, _, tracker := newTestAggregator(newMockFetcher(), nil, &fakeClock{now: t0})
	pruner := NewPruner(c, tracker, 120*time.Second, testLogger(), nil)
	pruner.SetClock(func() time.Time { return t0.Add(time.Hour) })

	s := NewScheduler(testLogger(), agg, pruner, time.Hour, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("prune never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if c.Version() != 2 {
		t.Fatalf("expected prune to bump the version to 2, got %d", c.Version())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
