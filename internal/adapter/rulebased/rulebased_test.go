package rulebased

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/fetch"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

const listPage = `<html><body>
<div class="item">
  <span class="pid">p-101</span>
  <a class="link" href="/detail/p-101">中古マンション 港レジデンス</a>
  <span class="bname">港レジデンス</span>
  <span class="price">5,480万円</span>
</div>
<div class="item">
  <span class="pid">p-102</span>
  <a class="link" href="/detail/p-102">中古マンション 芝パークハウス</a>
  <span class="bname">芝パークハウス</span>
  <span class="price">1億2000万円</span>
</div>
<div class="item">
  <span class="pid">p-103</span>
  <a class="link" href="/detail/p-103">中古マンション 赤坂ヒルズ</a>
  <span class="bname">赤坂ヒルズ</span>
  <span class="price">価格未定</span>
</div>
</body></html>`

func detailPage(id string) string {
	return fmt.Sprintf(`<html><body>
<table>
  <td class="layout">３ＬＤＫ</td>
  <td class="sqm">70.25m²</td>
  <td class="floor">12階</td>
  <td class="built">1998年築</td>
</table>
<p class="addr">東京都港区%s</p>
</body></html>`, id)
}

// collectReporter records everything an adapter reports.
type collectReporter struct {
	mu       sync.Mutex
	stats    adapter.Stats
	changes  []listing.Change
	errors   []joblog.ErrorInfo
	warnings []joblog.ErrorInfo
}

func (r *collectReporter) UpdateStats(s adapter.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

func (r *collectReporter) LogListingChange(ch listing.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *collectReporter) LogError(info joblog.ErrorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, info)
}

func (r *collectReporter) LogWarning(info joblog.ErrorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, info)
}

// stubController cancels after a fixed number of checkpoints; zero means
// never.
type stubController struct {
	calls       int
	cancelAfter int
}

func (c *stubController) CheckpointOrAbort() error {
	c.calls++
	if c.cancelAfter > 0 && c.calls > c.cancelAfter {
		return task.ErrCancelled
	}
	return nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, listPage)
			return
		}
		fmt.Fprint(w, `<html><body></body></html>`)
	})
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detailPage(filepath.Base(r.URL.Path)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testRules(baseURL string) *Rules {
	return &Rules{
		Site:    "homestead",
		BaseURL: baseURL,
		List: ListRules{
			URL:      baseURL + "/list/{area}?page={page}",
			MaxPages: 3,
			Item:     "div.item",
			Fields: []FieldRule{
				{Name: "id", Selector: "span.pid"},
				{Name: "url", Selector: "a.link", Attribute: "href"},
				{Name: "title", Selector: "a.link"},
				{Name: "building_name", Selector: "span.bname"},
				{Name: "price", Selector: "span.price"},
			},
		},
		Detail: DetailRules{
			Fields: []FieldRule{
				{Name: "layout", Selector: "td.layout"},
				{Name: "area_sqm", Selector: "td.sqm"},
				{Name: "floor", Selector: "td.floor"},
				{Name: "address", Selector: "p.addr"},
				{Name: "year_built", Type: "regex", Pattern: `(\d{4})年築`},
			},
		},
	}
}

func newTestAdapter(t *testing.T, srv *httptest.Server, sink listing.Sink) *Adapter {
	t.Helper()
	fetchCfg := config.DefaultConfig().Fetch
	fetchCfg.PolitenessDelay = 0
	fetchCfg.MaxRetries = 0
	session, err := fetch.NewSession(fetchCfg, config.ProxyConfig{}, testLogger)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	t.Cleanup(session.Close)
	return New(testRules(srv.URL), session, sink, testLogger)
}

func TestScrapeAreaFullCrawl(t *testing.T) {
	srv := testServer(t)
	sink := listing.NewMemorySink(testLogger)
	a := newTestAdapter(t, srv, sink)

	rep := &collectReporter{}
	ctl := &stubController{}
	stats, err := a.ScrapeArea(context.Background(), "13103", adapter.ScrapeOptions{MaxProperties: 100, ForceDetailFetch: true}, rep, ctl)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	if stats.PropertiesFound != 3 || stats.PropertiesAttempted != 3 || stats.PropertiesProcessed != 3 {
		t.Errorf("found/attempted/processed = %d/%d/%d, want 3/3/3",
			stats.PropertiesFound, stats.PropertiesAttempted, stats.PropertiesProcessed)
	}
	if stats.NewListings != 3 {
		t.Errorf("new_listings = %d, want 3", stats.NewListings)
	}
	if stats.DetailFetched != 3 {
		t.Errorf("detail_fetched = %d, want 3", stats.DetailFetched)
	}
	if stats.PriceMissing != 1 {
		t.Errorf("price_missing = %d, want 1 (価格未定 has no parseable price)", stats.PriceMissing)
	}
	if sink.Len() != 3 {
		t.Errorf("sink documents = %d, want 3", sink.Len())
	}
	if len(rep.changes) != 3 {
		t.Fatalf("change logs = %d, want 3", len(rep.changes))
	}

	doc := sink.Get(listing.Ref("homestead", "p-101"))
	if doc == nil {
		t.Fatal("homestead:p-101 not stored")
	}
	if doc.Property.Price != 5480 {
		t.Errorf("price = %d, want 5480", doc.Property.Price)
	}
	if doc.Property.Layout != "3LDK" {
		t.Errorf("layout = %q, want width-folded 3LDK", doc.Property.Layout)
	}
	if doc.Property.AreaSqm != 70.25 {
		t.Errorf("area_sqm = %v, want 70.25", doc.Property.AreaSqm)
	}
	if doc.Building.YearBuilt != 1998 {
		t.Errorf("year_built = %d, want 1998", doc.Building.YearBuilt)
	}
	if doc.Building.AreaCode != "13103" {
		t.Errorf("area_code = %q, want 13103", doc.Building.AreaCode)
	}

	oku := sink.Get(listing.Ref("homestead", "p-102"))
	if oku == nil || oku.Property.Price != 12000 {
		t.Errorf("1億2000万円 parsed to %v, want 12000", oku)
	}
}

func TestScrapeAreaSecondVisitUnchanged(t *testing.T) {
	srv := testServer(t)
	sink := listing.NewMemorySink(testLogger)
	opts := adapter.ScrapeOptions{MaxProperties: 100, ForceDetailFetch: true}

	a := newTestAdapter(t, srv, sink)
	if _, err := a.ScrapeArea(context.Background(), "13103", opts, &collectReporter{}, &stubController{}); err != nil {
		t.Fatalf("first visit: %v", err)
	}

	rep := &collectReporter{}
	stats, err := a.ScrapeArea(context.Background(), "13103", opts, rep, &stubController{})
	if err != nil {
		t.Fatalf("second visit: %v", err)
	}
	if stats.NewListings != 0 {
		t.Errorf("new_listings on revisit = %d, want 0", stats.NewListings)
	}
	if stats.RefetchedUnchanged != 3 {
		t.Errorf("refetched_unchanged = %d, want 3", stats.RefetchedUnchanged)
	}
	if len(rep.changes) != 0 {
		t.Errorf("unchanged refetch produced %d change logs, want 0", len(rep.changes))
	}
}

func TestScrapeAreaMaxProperties(t *testing.T) {
	srv := testServer(t)
	sink := listing.NewMemorySink(testLogger)
	a := newTestAdapter(t, srv, sink)

	stats, err := a.ScrapeArea(context.Background(), "13103", adapter.ScrapeOptions{MaxProperties: 1, ForceDetailFetch: true}, &collectReporter{}, &stubController{})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if stats.PropertiesAttempted != 1 {
		t.Errorf("attempted = %d, want 1", stats.PropertiesAttempted)
	}
	if stats.PropertiesFound != 3 {
		t.Errorf("found = %d, want 3 (cap limits attempts, not discovery)", stats.PropertiesFound)
	}
	if sink.Len() != 1 {
		t.Errorf("sink documents = %d, want 1", sink.Len())
	}
}

func TestScrapeAreaCancelled(t *testing.T) {
	srv := testServer(t)
	sink := listing.NewMemorySink(testLogger)
	a := newTestAdapter(t, srv, sink)

	// First checkpoint (list page) passes, second (first detail) aborts.
	ctl := &stubController{cancelAfter: 1}
	_, err := a.ScrapeArea(context.Background(), "13103", adapter.ScrapeOptions{MaxProperties: 100, ForceDetailFetch: true}, &collectReporter{}, ctl)
	if !errors.Is(err, task.ErrCancelled) {
		t.Fatalf("err = %v, want task.ErrCancelled", err)
	}
	if sink.Len() != 0 {
		t.Errorf("cancelled before any sink write, but sink has %d documents", sink.Len())
	}
}

func TestScrapeAreaDetailFetchFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/list/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, listPage)
			return
		}
		fmt.Fprint(w, `<html><body></body></html>`)
	})
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sink := listing.NewMemorySink(testLogger)
	a := newTestAdapter(t, srv, sink)

	rep := &collectReporter{}
	stats, err := a.ScrapeArea(context.Background(), "13103", adapter.ScrapeOptions{MaxProperties: 100, ForceDetailFetch: true}, rep, &stubController{})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if stats.DetailFetchFailed != 3 {
		t.Errorf("detail_fetch_failed = %d, want 3", stats.DetailFetchFailed)
	}
	// List-page data still reaches the sink.
	if stats.PropertiesProcessed != 3 {
		t.Errorf("processed = %d, want 3", stats.PropertiesProcessed)
	}
	if len(rep.warnings) != 3 {
		t.Errorf("warnings = %d, want 3", len(rep.warnings))
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homestead.yaml")
	rules := `site: homestead
base_url: https://homestead.example
areas:
  "13103": minato
list:
  url: https://homestead.example/list/{area}?page={page}
  max_pages: 5
  item: div.item
  fields:
    - name: id
      selector: span.pid
    - name: url
      selector: a.link
      attribute: href
detail:
  fields:
    - name: layout
      selector: td.layout
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Site != "homestead" {
		t.Errorf("site = %q", r.Site)
	}
	if r.List.MaxPages != 5 {
		t.Errorf("max_pages = %d, want 5", r.List.MaxPages)
	}
	if got := r.listURL("13103", 2); got != "https://homestead.example/list/minato?page=2" {
		t.Errorf("listURL = %q", got)
	}

	all, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("LoadDir found %d rules, want 1", len(all))
	}
}

func TestLoadRulesRejectsMissingIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	rules := `site: broken
list:
  url: https://broken.example/{area}
  item: div.item
  fields:
    - name: title
      selector: h2
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadRules(path); !errors.Is(err, task.ErrInvalidArgument) {
		t.Fatalf("err = %v, want task.ErrInvalidArgument", err)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"5,480万円", 5480},
		{"980万円", 980},
		{"1億2000万円", 12000},
		{"2億円", 20000},
		{"価格未定", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parsePrice(tt.in); got != tt.want {
			t.Errorf("parsePrice(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
