package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func decode(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestUpsampleInterpolates(t *testing.T) {
	out, err := Upsample(pcm(0, 300, -300), 8000, 24000)
	if err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	got := decode(out)
	want := []int16{0, 100, 200, 300, 100, -100, -300, -300, -300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpsampleRejectsNonIntegerRatio(t *testing.T) {
	testCases := []struct{ from, to int }{
		{8000, 11025},
		{16000, 8000},
		{0, 8000},
	}
	for _, tc := range testCases {
		if _, err := Upsample(pcm(1, 2), tc.from, tc.to); err == nil {
			t.Errorf("expected error for %d -> %d", tc.from, tc.to)
		}
	}
}

func TestUpsampleSameRateCopies(t *testing.T) {
	in := pcm(5, 6)
	out, err := Upsample(in, 8000, 8000)
	if err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	out[0] = 99
	if in[0] == 99 {
		t.Fatal("output aliases input")
	}
}

func TestDurationAndBytes(t *testing.T) {
	if d := Duration(16000, 8000); d != time.Second {
		t.Errorf("Duration = %v, want 1s", d)
	}
	if n := BytesFor(50*time.Millisecond, 24000); n != 2400 {
		t.Errorf("BytesFor = %d, want 2400", n)
	}
}
