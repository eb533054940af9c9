package meshcore

import (
	"bytes"
	"testing"
)

func TestFlatParser_Parse(t *testing.T) {
	frame := []byte{10, 0, 0, 1, 10, 0, 0, 2, 'p', 'a', 'y', 'l', 'o', 'a', 'd'}
	src, dst, err := FlatParser{}.Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(src.Bytes(), []byte{10, 0, 0, 1}) {
		t.Errorf("unexpected src: %v", src.Bytes())
	}
	if !bytes.Equal(dst.Bytes(), []byte{10, 0, 0, 2}) {
		t.Errorf("unexpected dst: %v", dst.Bytes())
	}
}

func TestFlatParser_Parse_TooShort(t *testing.T) {
	_, _, err := FlatParser{}.Parse([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected an error for a frame shorter than 8 bytes")
	}
	merr, ok := err.(*MeshError)
	if !ok || merr.Kind != KindParse {
		t.Errorf("expected a KindParse MeshError, got %v", err)
	}
}
