package tokenizer

import "testing"

func TestCharEncodeWrapsWithStartEnd(t *testing.T) {
	c, err := NewChar("ab c")
	if err != nil {
		t.Fatalf("new char: %v", err)
	}

	ids, err := c.Encode("ba")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := []int64{StartID, 4, 3, EndID}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	for i := range ids {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestCharEncodeDropsUnknownRunes(t *testing.T) {
	c, err := NewChar("ab")
	if err != nil {
		t.Fatalf("new char: %v", err)
	}

	ids, err := c.Encode("a!b?")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if len(ids) != 4 {
		t.Fatalf("ids = %v, want start+2 tokens+end", ids)
	}
}

func TestCharSymbolRoundTrip(t *testing.T) {
	c, err := NewChar("xy")
	if err != nil {
		t.Fatalf("new char: %v", err)
	}

	sym, ok := c.Symbol(3)
	if !ok || sym != "x" {
		t.Fatalf("Symbol(3) = %q, %v, want \"x\", true", sym, ok)
	}

	if _, ok := c.Symbol(99); ok {
		t.Fatal("expected Symbol(99) to report missing")
	}
}

func TestNewCharRejectsBadAlphabets(t *testing.T) {
	if _, err := NewChar(""); err == nil {
		t.Fatal("expected error for empty alphabet")
	}

	if _, err := NewChar("aa"); err == nil {
		t.Fatal("expected error for duplicate runes")
	}
}

func TestValidate(t *testing.T) {
	c, err := NewChar("abc")
	if err != nil {
		t.Fatalf("new char: %v", err)
	}

	if err := Validate(c); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil pipeline")
	}
}
