// Package testutil loads fixtures shared by package tests.
package testutil

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"
)

// LoadHex returns the bytes of a hex fixture under the repository's
// testdata directory. Whitespace in the fixture is ignored.
func LoadHex(t *testing.T, rel string) []byte {
	t.Helper()
	data := readTestdata(t, rel)
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(data))
	b, err := hex.DecodeString(clean)
	if err != nil {
		t.Fatalf("decode %s: %v", rel, err)
	}
	return b
}

// MustHex decodes an inline hex string, ignoring whitespace.
func MustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}

func readTestdata(t *testing.T, rel string) []byte {
	t.Helper()
	candidates := []string{
		filepath.Join("testdata", rel),
		filepath.Join("..", "testdata", rel),
		filepath.Join("..", "..", "testdata", rel),
	}
	for _, path := range candidates {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	t.Fatalf("unable to locate testdata file %s", rel)
	return nil
}
