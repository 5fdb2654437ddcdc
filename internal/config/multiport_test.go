package config

import "testing"

func TestParseMultiPortSinglePort(t *testing.T) {
	mp, err := ParseMultiPort("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("ParseMultiPort: %v", err)
	}
	if mp.Host != "127.0.0.1" || mp.MinPort != 8080 || mp.MaxPort != 8080 {
		t.Fatalf("unexpected result: %+v", mp)
	}
}

func TestParseMultiPortRange(t *testing.T) {
	mp, err := ParseMultiPort("example.com:9000-9010")
	if err != nil {
		t.Fatalf("ParseMultiPort: %v", err)
	}
	if mp.MinPort != 9000 || mp.MaxPort != 9010 {
		t.Fatalf("unexpected range: %+v", mp)
	}
	for i := 0; i < 50; i++ {
		p := mp.PickPort()
		if p < mp.MinPort || p > mp.MaxPort {
			t.Fatalf("PickPort returned %d outside [%d,%d]", p, mp.MinPort, mp.MaxPort)
		}
	}
}

func TestParseMultiPortRejectsInvertedRange(t *testing.T) {
	if _, err := ParseMultiPort("host:9010-9000"); err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestParseMultiPortRejectsMalformed(t *testing.T) {
	if _, err := ParseMultiPort("not-an-address"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
