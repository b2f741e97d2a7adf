package packet

import (
	"bytes"
	"testing"
)

// TestUNSUBACK_Kind 测试UNSUBACK报文类型
func TestUNSUBACK_Kind(t *testing.T) {
	unsuback := &UNSUBACK{}
	if unsuback.Kind() != 0xB {
		t.Errorf("UNSUBACK.Kind() = %d, want 0xB", unsuback.Kind())
	}
}

func unpackUnsuback(t *testing.T, data []byte, version byte) *UNSUBACK {
	t.Helper()
	buf := bytes.NewBuffer(data)
	firstByte := buf.Next(1)[0]
	fh := &FixedHeader{
		Version: version,
		Kind:    firstByte >> 4,
		Dup:     (firstByte >> 3) & 0x01,
		QoS:     (firstByte >> 1) & 0x03,
		Retain:  firstByte & 0x01,
	}
	remainingLen, err := decodeLength(buf)
	if err != nil {
		t.Fatalf("decodeLength() failed: %v", err)
	}
	fh.RemainingLength = remainingLen

	got := &UNSUBACK{FixedHeader: fh}
	if err := got.Unpack(buf); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
	return got
}

// TestUNSUBACK_RoundTrip_MQTT311 测试MQTT v3.1.1下UNSUBACK没有载荷的往返
func TestUNSUBACK_RoundTrip_MQTT311(t *testing.T) {
	original := &UNSUBACK{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xB},
		PacketID:    4321,
	}

	var buf bytes.Buffer
	if err := original.Pack(&buf); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	got := unpackUnsuback(t, buf.Bytes(), VERSION311)
	if got.PacketID != original.PacketID {
		t.Errorf("PacketID = %d, want %d", got.PacketID, original.PacketID)
	}
	if len(got.ReasonCode) != 0 {
		t.Errorf("v3.1.1 UNSUBACK should carry no reason codes, got %d", len(got.ReasonCode))
	}
}

// TestUNSUBACK_RoundTrip_MQTT500 测试MQTT v5.0下UNSUBACK原因码载荷的往返
func TestUNSUBACK_RoundTrip_MQTT500(t *testing.T) {
	tests := []struct {
		name       string
		reasonCode []ReasonCode
	}{
		{"单个成功", []ReasonCode{{Code: 0x00}}},
		{"单个无订阅存在", []ReasonCode{{Code: 0x11}}},
		{"多个混合结果", []ReasonCode{{Code: 0x00}, {Code: 0x11}, {Code: 0x8F}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := &UNSUBACK{
				FixedHeader: &FixedHeader{Version: VERSION500, Kind: 0xB},
				PacketID:    7,
				Props:       &UnsubackProperties{ReasonString: "done"},
				ReasonCode:  tt.reasonCode,
			}

			var buf bytes.Buffer
			if err := original.Pack(&buf); err != nil {
				t.Fatalf("Pack() error = %v", err)
			}

			got := unpackUnsuback(t, buf.Bytes(), VERSION500)
			if got.PacketID != original.PacketID {
				t.Errorf("PacketID = %d, want %d", got.PacketID, original.PacketID)
			}
			if len(got.ReasonCode) != len(tt.reasonCode) {
				t.Fatalf("ReasonCode count = %d, want %d", len(got.ReasonCode), len(tt.reasonCode))
			}
			for i, rc := range tt.reasonCode {
				if got.ReasonCode[i].Code != rc.Code {
					t.Errorf("ReasonCode[%d] = %#x, want %#x", i, got.ReasonCode[i].Code, rc.Code)
				}
			}
			if got.Props == nil || got.Props.ReasonString != "done" {
				t.Errorf("Props.ReasonString not round-tripped: %+v", got.Props)
			}
		})
	}
}
