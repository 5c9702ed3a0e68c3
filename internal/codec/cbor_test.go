package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string            `cbor:"name"`
	Tags  map[string]string `cbor:"tags"`
	Bytes []byte            `cbor:"bytes"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{
		Name:  "fn",
		Tags:  map[string]string{"z": "1", "a": "2", "m": "3"},
		Bytes: []byte{1, 2, 3},
	}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}

	var out sample
	if err := Unmarshal(first, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != "fn" || out.Tags["a"] != "2" || !bytes.Equal(out.Bytes, v.Bytes) {
		t.Errorf("decoded %+v", out)
	}
}

func TestUnmarshal_AnyUsesStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", out)
	}
	if _, ok := m["outer"].(map[string]any); !ok {
		t.Errorf("nested %T, want map[string]any", m["outer"])
	}
}
