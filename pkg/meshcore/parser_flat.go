package meshcore

// FlatParser implements InnerParser for inner frames that are themselves
// just `src(4 bytes) || dst(4 bytes) || payload`. It is not a real
// Ethernet/IP parser — that stays an external collaborator — but it gives
// the engine and its tests a trivial, deterministic inner protocol to
// exercise handleInterfaceData and handleNetMessage against without
// pulling in a full network-stack dependency.
type FlatParser struct{}

// Parse implements InnerParser.
func (FlatParser) Parse(frame []byte) (src, dst Address, err error) {
	if len(frame) < 8 {
		return Address{}, Address{}, newErr(KindParse, "frame shorter than 8-byte flat header", nil)
	}
	src = AddressFromIP(frame[0:4])
	dst = AddressFromIP(frame[4:8])
	return src, dst, nil
}
