package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{Kind: KindDATA, Seq: 1, Payload: []byte("Mensagem 0")}
	buf := Encode(p)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IsCorrupt {
		t.Fatalf("freshly encoded packet reported corrupt")
	}
	if got.Kind != p.Kind || got.Seq != p.Seq || string(got.Payload) != string(p.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got.Packet, p)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	buf := Encode(Packet{Kind: KindACK, Seq: 0})
	for i := range buf {
		flipped := Corrupt(buf, []int{i})
		got, err := Decode(flipped)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !got.IsCorrupt {
			t.Fatalf("flipping byte %d did not register as corrupt", i)
		}
	}
}

func TestDecodeShortBufferFailsCleanly(t *testing.T) {
	for n := 0; n < headerSizeRDT; n++ {
		_, err := Decode(make([]byte, n))
		if err != ErrShortRDTPacket {
			t.Fatalf("len=%d: want ErrShortRDTPacket got %v", n, err)
		}
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	buf := Encode(Packet{Kind: KindNAK, Seq: 1})
	got, err := Decode(buf)
	if err != nil || got.IsCorrupt || len(got.Payload) != 0 {
		t.Fatalf("unexpected result decoding empty-payload packet: %+v err=%v", got, err)
	}
}
