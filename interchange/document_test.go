package interchange

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleDocument() Document {
	d := make(Document)
	d.Add("Base", 0, []string{"_ZN4Base1fEv", "_ZN4BaseD1Ev", "_ZN4BaseD0Ev"})
	d.Add("Derived", 0, []string{"_ZN7Derived1fEv", "_ZN7Derived1gEi", "_ZN7Derived1gEf"})
	d.Add("Derived", -16, []string{"_ZThn16_N7Derived1gEiv"})
	return d
}

func TestRoundTrip(t *testing.T) {
	d := sampleDocument()

	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEncodesOffsetsAsStrings(t *testing.T) {
	var buf bytes.Buffer
	if err := sampleDocument().Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"-16"`) {
		t.Errorf("negative offset not string-encoded:\n%s", out)
	}
	// Class keys come out sorted for diffability.
	if strings.Index(out, `"Base"`) > strings.Index(out, `"Derived"`) {
		t.Errorf("class keys not sorted:\n%s", out)
	}
}

func TestReadRejectsBadOffsetKey(t *testing.T) {
	_, err := Read(strings.NewReader(`{"Base": {"zero": []}}`))
	if err == nil {
		t.Fatal("expected error for non-integer offset key")
	}
}

func TestOffsetsSortByMagnitude(t *testing.T) {
	tables := Tables{
		0:   {"a"},
		-16: {"b"},
		-8:  {"c"},
	}
	got := tables.Offsets()
	want := []int64{0, -8, -16}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Offsets mismatch (-want +got):\n%s", diff)
	}
}
