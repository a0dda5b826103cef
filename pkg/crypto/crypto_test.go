package crypto

import "testing"

func TestHashAndVerify(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if !VerifyToken("s3cret", hash) {
		t.Fatal("VerifyToken rejected the right secret")
	}
	if VerifyToken("other", hash) {
		t.Fatal("VerifyToken accepted a wrong secret")
	}
	if VerifyToken("s3cret", "not-a-hash") {
		t.Fatal("VerifyToken accepted a garbage hash")
	}
}

func TestNewToken(t *testing.T) {
	a, hash, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if len(a) != 43 {
		t.Fatalf("token length = %d, want 43", len(a))
	}
	if !VerifyToken(a, hash) {
		t.Fatal("hash does not match token")
	}
	b, _, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if a == b {
		t.Fatal("tokens repeat")
	}
}
