package indicators

import (
	"testing"
)

func TestRegistry_AutoDiscoverIdempotent(t *testing.T) {
	r := NewRegistry()
	r.AutoDiscover()
	first := r.Count()
	if first == 0 {
		t.Fatal("Expected built-in algorithms after discovery")
	}

	r.AutoDiscover()
	if r.Count() != first {
		t.Errorf("Expected %d algorithms after second discovery, got %d", first, r.Count())
	}
}

func TestRegistry_GetIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.AutoDiscover()

	for _, key := range []string{"TWPA", "twpa", " Twpa "} {
		algo, ok := r.Get(key)
		if !ok {
			t.Fatalf("Expected lookup %q to succeed", key)
		}
		if algo.IndicatorType() != "TWPA" {
			t.Errorf("Expected TWPA, got %s", algo.IndicatorType())
		}
	}

	if _, ok := r.Get("NO_SUCH_ALGO"); ok {
		t.Error("Expected unknown type to miss")
	}
}

func TestRegistry_ListByCategory(t *testing.T) {
	r := NewRegistry()
	r.AutoDiscover()

	pumps := r.ListByCategory(CategoryPump)
	if len(pumps) == 0 {
		t.Fatal("Expected pump-detection algorithms")
	}
	for i := 1; i < len(pumps); i++ {
		if pumps[i-1].IndicatorType() >= pumps[i].IndicatorType() {
			t.Errorf("Expected sorted order, got %s before %s",
				pumps[i-1].IndicatorType(), pumps[i].IndicatorType())
		}
	}

	cats := r.Categories()
	if len(cats) < 4 {
		t.Errorf("Expected at least 4 categories, got %v", cats)
	}
}

func TestRegistry_RefreshIntervalFor(t *testing.T) {
	r := NewRegistry()
	r.AutoDiscover()

	got, ok := r.RefreshIntervalFor("twpa", Params{"t1": 8.0, "t2": 0.0})
	if !ok || got != 1.0 {
		t.Errorf("Expected 1.0 for a short window, got %v ok=%v", got, ok)
	}
	if _, ok := r.RefreshIntervalFor("NO_SUCH_ALGO", Params{}); ok {
		t.Error("Expected unknown type to report not-ok")
	}
}

func TestRegistry_DuplicateRegistrationOverwrites(t *testing.T) {
	r := NewRegistry()
	first := NewTWPA()
	second := NewTWPA()

	r.Register(first)
	r.Register(second)

	if r.Count() != 1 {
		t.Errorf("Expected one binding after duplicate registration, got %d", r.Count())
	}
	got, _ := r.Get("TWPA")
	if got != second {
		t.Error("Expected the later registration to win")
	}
}

func TestRegistry_ParameterDefsCoverDefaults(t *testing.T) {
	r := NewRegistry()
	r.AutoDiscover()

	// Every algorithm must be computable from its declared defaults alone:
	// required parameters without defaults are the contextual ones callers
	// always supply (peak_price, current_price).
	for _, typ := range r.Types() {
		algo, _ := r.Get(typ)
		params := Params{}
		for _, def := range algo.Parameters() {
			if def.Default != nil {
				params[def.Name] = def.Default
			}
		}
		if specs := algo.WindowSpecs(params); len(specs) == 0 {
			t.Errorf("%s: expected at least one window from defaults", typ)
		}
		if refresh := algo.RefreshInterval(params); refresh <= 0 {
			t.Errorf("%s: expected positive refresh interval, got %v", typ, refresh)
		}
	}
}
