package convlog

import (
	"strings"
	"testing"
)

func TestScrubDataURI(t *testing.T) {
	in := "Here is the chart: data:image/png;base64,iVBORw0KGgoAAAANSUhEUg== and some text after."
	out, cleaned := Scrub(in)
	if !cleaned {
		t.Fatal("expected content to be cleaned")
	}
	if strings.Contains(out, "iVBORw0") {
		t.Errorf("payload survived scrubbing: %q", out)
	}
	if !strings.Contains(out, Placeholder) {
		t.Errorf("placeholder missing: %q", out)
	}
	if !strings.Contains(out, "some text after.") {
		t.Errorf("surrounding text must survive: %q", out)
	}
}

func TestScrubWholeContentDataURI(t *testing.T) {
	in := "data:image/jpeg;base64," + strings.Repeat("A", 400)
	out, cleaned := Scrub(in)
	if !cleaned {
		t.Fatal("expected content to be cleaned")
	}
	if out != Placeholder {
		t.Errorf("pure data URI should collapse to exactly the placeholder, got %q", out)
	}
}

func TestScrubBase64JSONField(t *testing.T) {
	payload := strings.Repeat("QUJD", 50) // 200 chars of base64
	in := `{"filename":"photo.jpg","content":"` + payload + `","size":150}`
	out, cleaned := Scrub(in)
	if !cleaned {
		t.Fatal("expected content to be cleaned")
	}
	if strings.Contains(out, payload) {
		t.Error("base64 field payload survived scrubbing")
	}
	if !strings.Contains(out, `"content":"`+Placeholder+`"`) {
		t.Errorf("field should keep its key with placeholder value: %q", out)
	}
	if !strings.Contains(out, `"filename":"photo.jpg"`) {
		t.Errorf("other fields must survive: %q", out)
	}
}

func TestScrubLeavesShortValues(t *testing.T) {
	cases := []string{
		`{"content":"short base64 QUJDREVG"}`,
		`{"hash":"sha256 of something"}`,
		"plain prose with no payloads at all",
		`{"content":"` + strings.Repeat("x", 99) + `"}`, // one char below the payload floor
	}
	for _, in := range cases {
		out, cleaned := Scrub(in)
		if cleaned || out != in {
			t.Errorf("content should be untouched: %q -> %q", in, out)
		}
	}
}

func TestScrubKeepsBareBase64Runs(t *testing.T) {
	// Long base64 text without a data URI prefix or a payload key could
	// just as well be a hash or an API token, so it stays.
	run := strings.Repeat("QUJD", 40) // 160 chars, above the payload floor
	cases := []string{
		"the checksum was " + run,
		run,
		`{"signature":"` + run + `"}`, // not one of the payload keys
	}
	for _, in := range cases {
		out, cleaned := Scrub(in)
		if cleaned || out != in {
			t.Errorf("bare run should be untouched: %q -> %q", in, out)
		}
	}
}

func TestScrubMultiplePayloads(t *testing.T) {
	in := "first data:image/png;base64,AAAA then data:image/gif;base64,BBBB=="
	out, cleaned := Scrub(in)
	if !cleaned {
		t.Fatal("expected content to be cleaned")
	}
	if strings.Count(out, Placeholder) != 2 {
		t.Errorf("expected 2 placeholders, got %d in %q", strings.Count(out, Placeholder), out)
	}
}
