package led

import (
	"bytes"
	"testing"
)

func TestParseRGBColor(t *testing.T) {
	tests := []struct {
		in     string
		expect RGBColor
		err    bool
	}{
		{"#ff8000", RGBColor{255, 128, 0}, false},
		{"0a96cc", RGBColor{10, 150, 204}, false},
		{"#FFF", RGBColor{}, true},
		{"#gg0000", RGBColor{}, true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			c, err := ParseRGBColor(test.in)
			if (err != nil) != test.err {
				t.Fatalf("unexpected error state: %v", err)
			}
			if c != test.expect {
				t.Fatalf("got %v, expected %v", c, test.expect)
			}
		})
	}
}

func TestRGBColorText(t *testing.T) {
	c := RGBColor{10, 150, 204}

	text, err := c.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "#0a96cc" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestRGBColorScale(t *testing.T) {
	c := RGBColor{200, 100, 50}

	if got := c.Scale(0.5); got != (RGBColor{100, 50, 25}) {
		t.Fatalf("unexpected half brightness %v", got)
	}
	if got := c.Scale(-1); got != Black {
		t.Fatalf("expected black, got %v", got)
	}
	if got := c.Scale(2); got != c {
		t.Fatalf("expected unchanged color, got %v", got)
	}
}

func TestLEDsPixels(t *testing.T) {
	l := NewLEDs(2)
	l.Set(1, RGBColor{1, 2, 3})

	if !bytes.Equal(l.AsPixels(), []byte{0, 0, 0, 1, 2, 3}) {
		t.Fatalf("unexpected pixels %v", l.AsPixels())
	}

	var buf bytes.Buffer
	n, err := l.WriteTo(&buf)
	if err != nil || n != 6 {
		t.Fatalf("WriteTo n=%d err=%v", n, err)
	}

	back := FromPixels(buf.Bytes())
	if len(back) != 2 || back[1] != l[1] {
		t.Fatalf("unexpected strip %v", back)
	}

	if NewLEDs(0).AsPixels() != nil {
		t.Fatal("expected nil pixels for an empty strip")
	}
}

func TestLEDsRanges(t *testing.T) {
	red := RGBColor{255, 0, 0}

	l := NewLEDs(4)
	l.SetRange(2, 10, red)
	if l[1] != Black || l[2] != red || l[3] != red {
		t.Fatalf("unexpected strip %v", l)
	}

	l.Fill(Black)
	if n := l.Draw(3, LEDs{red, red}); n != 1 {
		t.Fatalf("expected 1 LED drawn, got %d", n)
	}
	if l[3] != red {
		t.Fatalf("unexpected strip %v", l)
	}
}
