package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if kp1.EID.IsZero() {
		t.Error("GenerateKeyPair() returned zero EID")
	}

	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if kp1.EID.Equal(kp2.EID) {
		t.Error("GenerateKeyPair() returned duplicate EIDs")
	}
}

func TestEID_String(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	s := kp.EID.String()
	if len(s) != EIDSize*2 {
		t.Errorf("String() length = %d, want %d", len(s), EIDSize*2)
	}
}

func TestEID_ShortString(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	s := kp.EID.ShortString()
	if len(s) != 8 {
		t.Errorf("ShortString() length = %d, want 8", len(s))
	}
	full := kp.EID.String()
	if s != full[:8] {
		t.Errorf("ShortString() = %s, want prefix of %s", s, full)
	}
}

func TestParseEID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid hex string", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with 0x prefix", "0xa3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with whitespace", "  a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e  ", false},
		{"too short", "a3f8c2d1e5b94a7c", true},
		{"too long", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e00", true},
		{"invalid hex chars", "g3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", true},
		{"empty string", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseEID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && id.IsZero() {
				t.Error("ParseEID() returned zero EID for valid input")
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"valid 32 bytes", make([]byte, 32), false},
		{"too short", make([]byte, 31), true},
		{"too long", make([]byte, 33), true},
		{"empty", []byte{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEID_Bytes(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	b := kp.EID.Bytes()
	if len(b) != EIDSize {
		t.Errorf("Bytes() length = %d, want %d", len(b), EIDSize)
	}
	id2, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	if !kp.EID.Equal(id2) {
		t.Error("round-trip through Bytes() failed")
	}
}

func TestEID_IsZero(t *testing.T) {
	var zero EID
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero EID")
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if kp.EID.IsZero() {
		t.Error("IsZero() = true for non-zero EID")
	}
}

func TestEID_Equal(t *testing.T) {
	hex := "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9ea3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e"
	id1, _ := ParseEID(hex)
	id2, _ := ParseEID(hex)
	id3, _ := ParseEID("b3f8c2d1e5b94a7c8d2e1f0a3b5c7d9eb3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e")

	if !id1.Equal(id2) {
		t.Error("Equal() = false for identical EIDs")
	}
	if id1.Equal(id3) {
		t.Error("Equal() = true for different EIDs")
	}
}

func TestEID_Less(t *testing.T) {
	low, _ := FromBytes(append([]byte{0x01}, make([]byte, 31)...))
	high, _ := FromBytes(append([]byte{0x02}, make([]byte, 31)...))

	if !low.Less(high) {
		t.Error("Less() = false, want true for lexicographically smaller EID")
	}
	if high.Less(low) {
		t.Error("Less() = true, want false for lexicographically larger EID")
	}
	if low.Less(low) {
		t.Error("Less() = true for equal EIDs, want false")
	}
}

func TestEID_MarshalUnmarshalText(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	text, err := kp.EID.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	var restored EID
	if err := restored.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if !kp.EID.Equal(restored) {
		t.Errorf("round-trip failed: original=%s, restored=%s", kp.EID, restored)
	}
}

func TestStoreAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rendezvous-identity-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if err := Store(tmpDir, "rendezvousd", kp, 4242); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	path := filepath.Join(tmpDir, "rendezvousd.identity.key")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Store() did not create file")
	}

	loaded, port, err := Load(tmpDir, "rendezvousd")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !kp.EID.Equal(loaded.EID) {
		t.Errorf("Load() EID = %s, want %s", loaded.EID, kp.EID)
	}
	if loaded.Secret.Secret() != kp.Secret.Secret() {
		t.Error("Load() secret mismatch")
	}
	if port != 4242 {
		t.Errorf("Load() port = %d, want 4242", port)
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rendezvous-identity-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	kp1, port1, created, err := LoadOrCreate(tmpDir, "rendezvousd", 9000)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("LoadOrCreate() created = false on first call, want true")
	}
	if port1 != 9000 {
		t.Errorf("LoadOrCreate() port = %d, want 9000", port1)
	}

	kp2, port2, created2, err := LoadOrCreate(tmpDir, "rendezvousd", 1234)
	if err != nil {
		t.Fatalf("LoadOrCreate() second call error = %v", err)
	}
	if created2 {
		t.Error("LoadOrCreate() created = true on second call, want false")
	}
	if !kp1.EID.Equal(kp2.EID) {
		t.Error("LoadOrCreate() returned a different identity on second call")
	}
	if port2 != 9000 {
		t.Errorf("LoadOrCreate() second call port = %d, want 9000 (persisted value)", port2)
	}
}

func TestLongTermKey_Zero(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	kp.Secret.Zero()
	if kp.Secret.Secret() != ([32]byte{}) {
		t.Error("Zero() did not clear the secret scalar")
	}
	// Safe to call twice.
	kp.Secret.Zero()
}
