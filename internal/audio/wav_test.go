package audio

import (
	"math"
	"testing"
)

func TestSilenceDuration(t *testing.T) {
	data, err := Silence(1.0, 24000, 1)
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	d, err := Duration(data)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if math.Abs(d-1.0) > 0.001 {
		t.Fatalf("expected ~1.0s, got %v", d)
	}
}

func TestInfo(t *testing.T) {
	data, err := Silence(0.25, 22050, 2)
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	info, err := Info(data)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 2 || info.BitDepth != 16 {
		t.Fatalf("unexpected format: %+v", info)
	}
}

func TestConcat(t *testing.T) {
	a, err := Silence(0.5, 24000, 1)
	if err != nil {
		t.Fatalf("silence a: %v", err)
	}
	b, err := Silence(0.5, 24000, 1)
	if err != nil {
		t.Fatalf("silence b: %v", err)
	}

	combined, err := Concat([][]byte{a, b})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	d, err := Duration(combined)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if math.Abs(d-1.0) > 0.001 {
		t.Fatalf("expected ~1.0s combined, got %v", d)
	}
}

func TestConcatSingleSegmentPassthrough(t *testing.T) {
	a, err := Silence(0.3, 24000, 1)
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	combined, err := Concat([][]byte{a})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if len(combined) != len(a) {
		t.Fatalf("expected passthrough, got %d bytes vs %d", len(combined), len(a))
	}
}

func TestConcatFormatMismatch(t *testing.T) {
	a, err := Silence(0.2, 44100, 1)
	if err != nil {
		t.Fatalf("silence a: %v", err)
	}
	b, err := Silence(0.2, 22050, 1)
	if err != nil {
		t.Fatalf("silence b: %v", err)
	}
	if _, err := Concat([][]byte{a, b}); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestConcatEmpty(t *testing.T) {
	if _, err := Concat(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestInvalidPayload(t *testing.T) {
	if _, err := Duration([]byte("not audio")); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}
