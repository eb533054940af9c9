package meshcore

import "testing"

func TestSharedKeyCryptoStore_CoreForIsSharedAcrossPeers(t *testing.T) {
	store, err := NewSharedKeyCryptoStore(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSharedKeyCryptoStore: %v", err)
	}

	c1, err := store.CoreFor(addr("10.0.0.1", 1))
	if err != nil {
		t.Fatalf("CoreFor: %v", err)
	}
	c2, err := store.CoreFor(addr("10.0.0.2", 1))
	if err != nil {
		t.Fatalf("CoreFor: %v", err)
	}
	if c1 != c2 {
		t.Error("expected every peer to share the same underlying core")
	}
}

func TestSharedKeyCryptoStore_ForgetIsNoop(t *testing.T) {
	store, err := NewSharedKeyCryptoStore(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSharedKeyCryptoStore: %v", err)
	}
	p := addr("10.0.0.1", 1)
	store.Forget(p)

	if _, err := store.CoreFor(p); err != nil {
		t.Fatalf("CoreFor after Forget: %v", err)
	}
}

func TestSharedKeyCryptoStore_InvalidKeyErrors(t *testing.T) {
	if _, err := NewSharedKeyCryptoStore([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a key of the wrong length")
	}
}
