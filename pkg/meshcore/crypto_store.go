package meshcore

// SharedKeyCryptoStore implements CryptoStore with a single pre-shared
// ChaCha20-Poly1305 key used for every peer. Per-peer key exchange is out
// of scope; this is the minimal adapter that gives every node on a mesh
// sharing one key file a working CryptoCore without inventing a handshake
// this package doesn't otherwise specify.
type SharedKeyCryptoStore struct {
	core *ChaCha20Crypto
}

// NewSharedKeyCryptoStore builds a SharedKeyCryptoStore from a 32-byte key.
func NewSharedKeyCryptoStore(key []byte) (*SharedKeyCryptoStore, error) {
	core, err := NewChaCha20Crypto(key)
	if err != nil {
		return nil, err
	}
	return &SharedKeyCryptoStore{core: core}, nil
}

// CoreFor implements CryptoStore: every peer shares the same core.
func (s *SharedKeyCryptoStore) CoreFor(PeerAddr) (CryptoCore, error) {
	return s.core, nil
}

// Forget implements CryptoStore. There is no per-peer state to release.
func (s *SharedKeyCryptoStore) Forget(PeerAddr) {}
