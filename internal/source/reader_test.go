package source

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeSource(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.txt")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestReadFiltersValidatesAndDedupes(t *testing.T) {
	path := writeSource(t, `
036000291452

012345678905
not-a-upc
036000291453
036000291452
4006381333931
`)

	r := NewFileReader(5*time.Second, zerolog.Nop())
	keys, err := r.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	want := []string{"036000291452", "012345678905", "4006381333931"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
}

func TestReadIsDeterministic(t *testing.T) {
	path := writeSource(t, "012345678905\n036000291452\n")
	r := NewFileReader(5*time.Second, zerolog.Nop())

	first, err := r.Read(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, err := r.Read(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reads differ: %v vs %v", first, second)
	}
}

func TestReadMissingFileFails(t *testing.T) {
	r := NewFileReader(5*time.Second, zerolog.Nop())
	if _, err := r.Read(context.Background(), "/nonexistent/items.txt"); err == nil {
		t.Fatal("expected error for missing item source")
	}
}

func TestValidKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"036000291452", true},   // UPC-A
		{"012345678905", true},   // UPC-A
		{"4006381333931", true},  // EAN-13
		{"036000291453", false},  // bad check digit
		{"4006381333932", false}, // bad check digit
		{"12345", false},
		{"abcdefghijkl", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidKey(tc.key); got != tc.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}
