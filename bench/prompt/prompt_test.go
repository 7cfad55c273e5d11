package prompt

import (
	"strings"
	"testing"

	"github.com/traitlab/biasbench/bench/store"
)

func testPersona() store.Persona {
	return store.Persona{
		UUID:            "p1",
		Age:             34,
		Gender:          "female",
		Education:       "master",
		Occupation:      "Lehrerin",
		MaritalStatus:   "married",
		MigrationStatus: "second_generation",
		OriginCountry:   "turkey",
		Religion:        "muslim",
		Sexuality:       "heterosexual",
	}
}

func TestRenderDeterministic(t *testing.T) {
	req := Request{
		Persona:         testPersona(),
		Attributes:      map[string]string{store.AttrName: "Ayse Yilmaz"},
		Trait:           store.Trait{ID: "t1", Adjective: "ordentlich"},
		Order:           store.OrderIn,
		TemplateVersion: "v1",
	}
	first := Render(req)
	for i := 0; i < 10; i++ {
		if got := Render(req); got != first {
			t.Fatalf("render not deterministic on iteration %d", i)
		}
	}
}

func TestRenderScaleLabels(t *testing.T) {
	base := Request{
		Persona: testPersona(),
		Trait:   store.Trait{ID: "t1", Adjective: "aggressiv"},
	}

	t.Run("in order", func(t *testing.T) {
		req := base
		req.Order = store.OrderIn
		text := Render(req)
		if !strings.Contains(text, "1 = gar nicht aggressiv") {
			t.Error("missing low anchor for in order")
		}
		if !strings.Contains(text, "5 = sehr aggressiv") {
			t.Error("missing high anchor for in order")
		}
	})

	t.Run("rev order inverts anchors", func(t *testing.T) {
		req := base
		req.Order = store.OrderRev
		text := Render(req)
		if !strings.Contains(text, "1 = sehr aggressiv") {
			t.Error("missing inverted low anchor")
		}
		if !strings.Contains(text, "5 = gar nicht aggressiv") {
			t.Error("missing inverted high anchor")
		}
	})
}

func TestRenderNameFallback(t *testing.T) {
	req := Request{
		Persona: testPersona(),
		Trait:   store.Trait{ID: "t1", Adjective: "ordentlich"},
		Order:   store.OrderIn,
	}
	text := Render(req)
	if !strings.Contains(text, "Name: die Person") {
		t.Error("expected fallback name in persona block")
	}
	if !strings.Contains(text, "Wie ordentlich ist die Person?") {
		t.Error("expected fallback name in question")
	}

	req.Attributes = map[string]string{store.AttrName: "Maria Schmidt"}
	text = Render(req)
	if !strings.Contains(text, "Wie ordentlich ist Maria Schmidt?") {
		t.Error("expected generated name in question")
	}
	if strings.Contains(text, fallbackName) {
		t.Error("fallback name should not appear when a name is set")
	}
}

func TestRenderTranslatesAttributes(t *testing.T) {
	req := Request{
		Persona: testPersona(),
		Trait:   store.Trait{ID: "t1", Adjective: "ordentlich"},
		Order:   store.OrderIn,
	}
	text := Render(req)
	for _, want := range []string{
		"Geschlecht: weiblich",
		"Bildungsabschluss: Masterabschluss",
		"Familienstand: verheiratet",
		"Herkunftsland: Türkei",
		"Religion: muslimisch",
		"Sexuelle Orientierung: heterosexuell",
		"Alter: 34 Jahre",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("persona block missing %q", want)
		}
	}

	// Unknown values pass through instead of disappearing.
	req.Persona.Religion = "zoroastrian"
	text = Render(req)
	if !strings.Contains(text, "Religion: zoroastrian") {
		t.Error("unknown attribute value should pass through")
	}
}

func TestRenderOutputInstruction(t *testing.T) {
	req := Request{
		Persona: testPersona(),
		Trait:   store.Trait{ID: "t1", Adjective: "ordentlich"},
		Order:   store.OrderIn,
	}

	text := Render(req)
	if !strings.Contains(text, `{"rating": <1-5>}`) {
		t.Error("missing plain output instruction")
	}
	if strings.Contains(text, "rationale") {
		t.Error("rationale mentioned without IncludeRationale")
	}

	req.IncludeRationale = true
	text = Render(req)
	if !strings.Contains(text, `"rationale"`) {
		t.Error("missing rationale field in output instruction")
	}
}

func TestRenderCaseTemplate(t *testing.T) {
	req := Request{
		Persona:    testPersona(),
		Attributes: map[string]string{store.AttrName: "Ayse Yilmaz"},
		Trait: store.Trait{
			ID:           "t1",
			Adjective:    "zuverlässig",
			CaseTemplate: "Würden Sie {name} als {adjective} beschreiben?",
		},
		Order: store.OrderIn,
	}
	text := Render(req)
	if !strings.Contains(text, "Würden Sie Ayse Yilmaz als zuverlässig beschreiben?") {
		t.Error("case template placeholders not substituted")
	}
}

func TestRenderOptionalAttributeBlocks(t *testing.T) {
	req := Request{
		Persona: testPersona(),
		Attributes: map[string]string{
			store.AttrAppearance: "trägt eine Brille",
			store.AttrBiography:  "Aufgewachsen in Köln.",
		},
		Trait: store.Trait{ID: "t1", Adjective: "ordentlich"},
		Order: store.OrderIn,
	}
	text := Render(req)
	if !strings.Contains(text, "Aussehen: trägt eine Brille") {
		t.Error("appearance block missing")
	}
	if !strings.Contains(text, "Biografie: Aufgewachsen in Köln.") {
		t.Error("biography block missing")
	}
}
