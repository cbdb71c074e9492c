package core

import (
	"testing"
	"time"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "short text", content: "Hello world."},
		{name: "empty string", content: ""},
		{name: "unicode", content: "Dit is een test met één accent."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Checksum(tt.content)
			b := Checksum(tt.content)
			if a != b {
				t.Errorf("Checksum() not deterministic: %s vs %s", a, b)
			}
			if len(a) != 64 {
				t.Errorf("Checksum() length = %d, want 64", len(a))
			}
		})
	}
}

func TestChecksum_Different(t *testing.T) {
	if Checksum("content1") == Checksum("content2") {
		t.Errorf("Checksum() produced same digest for different content")
	}
}

func TestNewChunkID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewChunkID()
		if id == "" {
			t.Fatal("NewChunkID() returned empty id")
		}
		if seen[id] {
			t.Fatalf("NewChunkID() returned duplicate %s", id)
		}
		seen[id] = true
	}
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want Language
	}{
		{"en", LanguageEnglish},
		{"nl", LanguageDutch},
		{"unknown", LanguageUnknown},
		{"fr", LanguageUnknown},
		{"", LanguageUnknown},
	}
	for _, tt := range tests {
		if got := ParseLanguage(tt.in); got != tt.want {
			t.Errorf("ParseLanguage(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTimestamp(t *testing.T) {
	if !Timestamp(time.Time{}).IsZero() {
		t.Error("Timestamp() of zero time should stay zero")
	}

	in := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	got := Timestamp(in)
	if got.Location() != time.UTC {
		t.Errorf("Timestamp() location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123456000 {
		t.Errorf("Timestamp() nanos = %d, want 123456000", got.Nanosecond())
	}
}

func TestChunkRecord_Clone(t *testing.T) {
	orig := &ChunkRecord{ID: "a", Vector: []float32{1, 2}}
	cp := orig.Clone()
	cp.Vector[0] = 9
	if orig.Vector[0] != 1 {
		t.Error("Clone() shares vector backing array")
	}
	var nilRec *ChunkRecord
	if nilRec.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestSourceTypeValid(t *testing.T) {
	for _, s := range []SourceType{SourceTypeFile, SourceTypeURL, SourceTypeText} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []SourceType{"", "ftp"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}
