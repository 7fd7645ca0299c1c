package listing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func sampleUpsert() Upsert {
	return Upsert{
		Building: BuildingInfo{
			Name:        "グランドメゾン白金",
			Address:     "東京都港区白金1-1-1",
			AreaCode:    "13103",
			YearBuilt:   2015,
			TotalFloors: 14,
		},
		Property: PropertyInfo{
			Floor:     "8階",
			AreaSqm:   72.4,
			Layout:    "3LDK",
			Direction: "南",
			Price:     9800,
		},
		Listing: ListingInfo{
			Site:           "suumo",
			SitePropertyID: "sm-1001",
			URL:            "https://example.jp/bukken/sm-1001",
			Title:          "グランドメゾン白金 8階",
			DetailFetched:  true,
			FetchedAt:      time.Now(),
		},
	}
}

func TestDetectChangeKinds(t *testing.T) {
	base := sampleUpsert()
	stored := apply(nil, base, Ref("suumo", "sm-1001"), time.Now())

	tests := []struct {
		name     string
		prev     *Document
		mutate   func(*Upsert)
		want     ChangeKind
		details  string
		contains string
	}{
		{
			name: "unseen listing is new",
			prev: nil,
			want: ChangeNew,
		},
		{
			name:     "price movement",
			prev:     stored,
			mutate:   func(up *Upsert) { up.Property.Price = 9480 },
			want:     ChangePriceUpdated,
			contains: "価格変更: 9800万円 → 9480万円",
		},
		{
			name: "price movement with other fields",
			prev: stored,
			mutate: func(up *Upsert) {
				up.Property.Price = 9480
				up.Property.Direction = "南東"
			},
			want:     ChangePriceUpdated,
			contains: "他: direction",
		},
		{
			name:     "layout changed",
			prev:     stored,
			mutate:   func(up *Upsert) { up.Property.Layout = "2SLDK" },
			want:     ChangeOtherUpdates,
			contains: "変更項目: layout",
		},
		{
			name:   "identical after detail refetch",
			prev:   stored,
			mutate: func(up *Upsert) { up.Listing.DetailFetched = true },
			want:   ChangeRefetchedUnchanged,
		},
		{
			name:   "identical without detail fetch",
			prev:   stored,
			mutate: func(up *Upsert) { up.Listing.DetailFetched = false },
			want:   ChangeSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := sampleUpsert()
			if tt.mutate != nil {
				tt.mutate(&up)
			}
			kind, details := Detect(tt.prev, up)
			if kind != tt.want {
				t.Fatalf("kind: expected %s, got %s", tt.want, kind)
			}
			if tt.contains != "" && !strings.Contains(details, tt.contains) {
				t.Errorf("details %q should contain %q", details, tt.contains)
			}
		})
	}
}

func TestChangeKindLogged(t *testing.T) {
	logged := []ChangeKind{ChangeNew, ChangePriceUpdated, ChangeOtherUpdates}
	for _, k := range logged {
		if !k.Logged() {
			t.Errorf("%s should produce a log entry", k)
		}
	}
	silent := []ChangeKind{ChangeRefetchedUnchanged, ChangeSkipped}
	for _, k := range silent {
		if k.Logged() {
			t.Errorf("%s should not produce a log entry", k)
		}
	}
}

func TestMemorySinkLifecycle(t *testing.T) {
	s := NewMemorySink(testLogger)
	ctx := context.Background()
	up := sampleUpsert()

	ref, kind, _, err := s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if kind != ChangeNew {
		t.Fatalf("expected new, got %s", kind)
	}
	if ref != "suumo:sm-1001" {
		t.Fatalf("unexpected ref %q", ref)
	}
	firstSeen := s.Get(ref).FirstSeenAt

	up.Property.Price = 9480
	_, kind, details, err := s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if kind != ChangePriceUpdated {
		t.Fatalf("expected price_updated, got %s", kind)
	}
	if !strings.Contains(details, "9480万円") {
		t.Errorf("details should carry new price, got %q", details)
	}

	doc := s.Get(ref)
	if doc.Property.Price != 9480 {
		t.Errorf("stored price should be updated, got %d", doc.Property.Price)
	}
	if !doc.FirstSeenAt.Equal(firstSeen) {
		t.Error("first_seen_at must survive updates")
	}

	_, kind, _, err = s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing)
	if err != nil {
		t.Fatalf("third write: %v", err)
	}
	if kind != ChangeRefetchedUnchanged {
		t.Fatalf("expected refetched_unchanged, got %s", kind)
	}

	if s.Len() != 1 {
		t.Errorf("expected one document, got %d", s.Len())
	}
	if refs := s.Refs(); len(refs) != 1 || refs[0] != ref {
		t.Errorf("unexpected refs %v", refs)
	}
}

func TestSinkValidation(t *testing.T) {
	s := NewMemorySink(testLogger)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Upsert)
	}{
		{"missing site", func(up *Upsert) { up.Listing.Site = "" }},
		{"missing property id", func(up *Upsert) { up.Listing.SitePropertyID = "" }},
		{"missing building name", func(up *Upsert) { up.Building.Name = "" }},
		{"negative price", func(up *Upsert) { up.Property.Price = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := sampleUpsert()
			tc.mutate(&up)
			_, _, _, err := s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing)
			if !errors.Is(err, ErrInvalidListing) {
				t.Fatalf("expected ErrInvalidListing, got %v", err)
			}
		})
	}
}

func TestJSONLSinkWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "listings.jsonl")
	s, err := NewJSONLSink(path, testLogger)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	ctx := context.Background()

	up := sampleUpsert()
	if _, _, _, err := s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing); err != nil {
		t.Fatalf("first write: %v", err)
	}
	up.Property.Price = 9480
	if _, _, _, err := s.CreateOrUpdateListing(ctx, up.Building, up.Property, up.Listing); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var lines []jsonlLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line jsonlLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Kind != ChangeNew {
		t.Errorf("first line kind: expected new, got %s", lines[0].Kind)
	}
	if lines[1].Kind != ChangePriceUpdated {
		t.Errorf("second line kind: expected price_updated, got %s", lines[1].Kind)
	}
	if lines[1].Property.Price != 9480 {
		t.Errorf("second line price: expected 9480, got %d", lines[1].Property.Price)
	}
}
