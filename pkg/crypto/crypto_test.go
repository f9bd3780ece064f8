package crypto

import (
	"crypto/md5"
	"testing"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("toniebox")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("toniebox", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("tonybox", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("toniebox", "not-a-hash") {
		t.Error("invalid hash accepted")
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, err := GenerateRandomString(24)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateRandomString(24)
	if len(a) != 32 || a == b {
		t.Errorf("got %q and %q", a, b)
	}
}

func TestImageDigest(t *testing.T) {
	if got := ImageDigest(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("empty digest = %s", got)
	}
	if ImageDigest([]byte{1}) == ImageDigest([]byte{2}) {
		t.Error("different data, same digest")
	}
}

func TestMatchesMD5(t *testing.T) {
	data := []byte("flash")
	sum := md5.Sum(data)
	if !MatchesMD5(data, sum[:]) {
		t.Error("matching digest rejected")
	}
	if MatchesMD5(data[:4], sum[:]) || MatchesMD5(data, sum[:8]) {
		t.Error("mismatch accepted")
	}
}
