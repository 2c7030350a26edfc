package gpu

import (
	"math"
	"testing"
)

func TestInstanceRecord(t *testing.T) {
	cases := []InstanceDesc{
		{},
		{
			Transform:             [12]float32{1, 0, 0, 5, 0, 1, 0, -2, 0, 0, 1, 0.25},
			InstanceID:            7,
			InstanceMask:          0xFF,
			HitGroupIndex:         3,
			Flags:                 InstanceFlagTriangleCullDisable | InstanceFlagForceOpaque,
			AccelerationStructure: 0x1_0000_0100,
		},
		{
			Transform:             [12]float32{float32(math.Inf(1)), -0, 1e-38, 3.5},
			InstanceID:            InstanceUnassigned - 1,
			InstanceMask:          0x01,
			HitGroupIndex:         InstanceUnassigned,
			Flags:                 0xF0,
			AccelerationStructure: math.MaxUint64,
		},
	}
	buf := make([]byte, InstanceDescSize*len(cases))
	for i := range cases {
		if err := EncodeInstance(buf[i*InstanceDescSize:], &cases[i]); err != nil {
			t.Fatalf("EncodeInstance(#%d): unexpected error: %v", i, err)
		}
	}
	have, err := DecodeInstances(buf, len(cases))
	if err != nil {
		t.Fatalf("DecodeInstances: unexpected error: %v", err)
	}
	for i := range cases {
		if have[i] != cases[i] {
			t.Fatalf("DecodeInstances(#%d):\nhave %+v\nwant %+v", i, have[i], cases[i])
		}
	}
}

func TestInstanceLayout(t *testing.T) {
	d := InstanceDesc{
		Transform:             [12]float32{1},
		InstanceID:            0x123456,
		InstanceMask:          0xAB,
		HitGroupIndex:         0x000102,
		Flags:                 InstanceFlagForceNonOpaque,
		AccelerationStructure: 0x0807060504030201,
	}
	var buf [InstanceDescSize]byte
	if err := EncodeInstance(buf[:], &d); err != nil {
		t.Fatalf("EncodeInstance: unexpected error: %v", err)
	}
	// 1.0f little-endian.
	if have, want := buf[0:4], []byte{0x00, 0x00, 0x80, 0x3F}; string(have) != string(want) {
		t.Fatalf("Transform[0] bytes:\nhave %x\nwant %x", have, want)
	}
	if have, want := buf[48:52], []byte{0x56, 0x34, 0x12, 0xAB}; string(have) != string(want) {
		t.Fatalf("InstanceID|Mask bytes:\nhave %x\nwant %x", have, want)
	}
	if have, want := buf[52:56], []byte{0x02, 0x01, 0x00, 0x08}; string(have) != string(want) {
		t.Fatalf("HitGroup|Flags bytes:\nhave %x\nwant %x", have, want)
	}
	if have, want := buf[56:64], []byte{1, 2, 3, 4, 5, 6, 7, 8}; string(have) != string(want) {
		t.Fatalf("AccelerationStructure bytes:\nhave %x\nwant %x", have, want)
	}
}

func TestInstanceRecordErrors(t *testing.T) {
	var short [InstanceDescSize - 1]byte
	if err := EncodeInstance(short[:], &InstanceDesc{}); err == nil {
		t.Fatal("EncodeInstance: expected error for short buffer")
	}
	if _, err := DecodeInstance(short[:]); err == nil {
		t.Fatal("DecodeInstance: expected error for short buffer")
	}
	var buf [InstanceDescSize]byte
	if err := EncodeInstance(buf[:], &InstanceDesc{InstanceID: 1 << 24}); err == nil {
		t.Fatal("EncodeInstance: expected error for 25-bit instance id")
	}
	if _, err := DecodeInstances(buf[:], 2); err == nil {
		t.Fatal("DecodeInstances: expected error for short buffer")
	}
}
