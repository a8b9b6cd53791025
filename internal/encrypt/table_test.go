package encrypt

import (
	"bytes"
	"testing"
)

func TestTableVector(t *testing.T) {
	cfg, err := NewConfig("foobar", "table")
	if err != nil {
		t.Fatal(err)
	}

	wantPrefix := []byte{205, 16, 31, 244, 46, 229, 97, 237, 26, 37, 85, 227, 235, 1, 36, 233}
	if !bytes.Equal(cfg.encTable[:16], wantPrefix) {
		t.Fatalf("table prefix mismatch: got %v", cfg.encTable[:16])
	}

	buf := []byte("hello, world")
	cfg.Encrypt(buf, nil)
	want := []byte{32, 24, 27, 27, 238, 94, 90, 30, 238, 55, 27, 67}
	if !bytes.Equal(buf, want) {
		t.Fatalf("ciphertext mismatch: got %v", buf)
	}
}

func TestTablesAreInverse(t *testing.T) {
	cfg, err := NewConfig("foobar", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 256; i++ {
		if got := cfg.decTable[cfg.encTable[i]]; got != byte(i) {
			t.Fatalf("decTable[encTable[%d]] = %d", i, got)
		}
	}
}

func TestTableRoundTrip(t *testing.T) {
	cfg, err := NewConfig("another password", "table")
	if err != nil {
		t.Fatal(err)
	}

	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i)
	}
	buf := append([]byte(nil), plain...)
	cfg.Encrypt(buf, nil)
	cfg.Decrypt(buf, nil)
	if !bytes.Equal(buf, plain) {
		t.Fatal("table round trip mismatch")
	}
}
