package zbcodec

import "testing"

func TestDecryptInvertsEncrypt(t *testing.T) {
	c, err := Get("shadow", "secret")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var plain [256]byte
	for i := range plain {
		plain[i] = byte(i)
	}

	enc := plain
	c.Encrypt(enc[:])
	dec := enc
	c.Decrypt(dec[:])

	if dec != plain {
		t.Fatalf("decrypt(encrypt(x)) != x")
	}
}

func TestTableIsPermutation(t *testing.T) {
	c, err := Get("", "anotherkey")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	enc := c.EncTable()
	dec := c.DecTable()
	for b := 0; b < tableSize; b++ {
		if dec[enc[b]] != byte(b) {
			t.Fatalf("dec[enc[%d]] = %d, want %d", b, dec[enc[b]], b)
		}
	}
}

func TestDeterministic(t *testing.T) {
	p1 := NewPool()
	p2 := NewPool()

	c1, err := p1.Get("shadow", "same-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := p2.Get("shadow", "same-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c1.EncTable() != c2.EncTable() {
		t.Fatalf("two independent pools produced different tables for the same key")
	}
}

func TestUnsupportedMethod(t *testing.T) {
	if _, err := Get("socks5", "key"); err != ErrUnsupportedMethod {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestEmptyKey(t *testing.T) {
	if _, err := Get("shadow", ""); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestPoolCaching(t *testing.T) {
	p := NewPool()
	c1, _ := p.Get("shadow", "k")
	c2, _ := p.Get("shadow", "k")
	if c1 != c2 {
		t.Fatalf("expected same *Codec instance from repeated Get with identical key")
	}
}
