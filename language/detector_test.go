package language

import (
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"github.com/poiesic/ingest/core"
	"github.com/stretchr/testify/assert"
)

var (
	sharedOnce     sync.Once
	sharedDetector *Detector
)

// detector returns a package-wide Detector; building one loads every
// candidate model.
func detector() *Detector {
	sharedOnce.Do(func() {
		sharedDetector = NewDetector()
	})
	return sharedDetector
}

func TestDetect_EmptyInput(t *testing.T) {
	d := detector()
	assert.Equal(t, core.LanguageUnknown, d.Detect(""))
	assert.Equal(t, core.LanguageUnknown, d.Detect("   "))
	assert.Equal(t, core.LanguageUnknown, d.Detect("\n\t"))
}

func TestDetect_Whitelisted(t *testing.T) {
	d := detector()

	tests := []struct {
		name string
		text string
		want core.Language
	}{
		{
			name: "english",
			text: "The quick brown fox jumps over the lazy dog while the farmer watches from the porch.",
			want: core.LanguageEnglish,
		},
		{
			name: "dutch",
			text: "Dit is een test om te zien of de taal goed herkend wordt door het systeem.",
			want: core.LanguageDutch,
		},
		{
			name: "short english",
			text: "Hello world.",
			want: core.LanguageEnglish,
		},
		{
			name: "short dutch",
			text: "Dit is een test.",
			want: core.LanguageDutch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.text))
		})
	}
}

func TestDetect_NonWhitelistedCollapsesToUnknown(t *testing.T) {
	d := detector()
	got := d.Detect("Bonjour tout le monde, je voudrais réserver une table pour deux personnes ce soir.")
	assert.Equal(t, core.LanguageUnknown, got)
}

func TestDetect_AlwaysInSupportedSet(t *testing.T) {
	d := detector()
	inputs := []string{"12345", "!!!", "x", "Guten Tag", "Hello", "Hallo wereld", "😀😀"}
	for _, in := range inputs {
		got := d.Detect(in)
		assert.Contains(t, []core.Language{core.LanguageEnglish, core.LanguageDutch, core.LanguageUnknown}, got, "input %q", in)
	}
}

func TestDetect_Concurrent(t *testing.T) {
	d := detector()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, core.LanguageDutch, d.Detect("Dit is een test om te zien of de taal goed herkend wordt."))
		}()
	}
	wg.Wait()
}

func TestNewDetector_WhitelistRestricts(t *testing.T) {
	d := NewDetector(
		WithWhitelist(core.LanguageEnglish),
		WithCandidates(lingua.English, lingua.Dutch),
	)
	assert.Equal(t, core.LanguageEnglish, d.Detect("The weather is lovely today and we are going for a long walk."))
	assert.Equal(t, core.LanguageUnknown, d.Detect("Het weer is vandaag prachtig en we gaan een lange wandeling maken."))
}

func TestPadSample(t *testing.T) {
	assert.Equal(t, "long enough", padSample("long enough", 5))

	got := padSample("abc", 10)
	assert.GreaterOrEqual(t, utf8.RuneCountInString(got), 10)
	assert.Equal(t, "abc abc abc", got)

	assert.Equal(t, "één één", padSample("één", 5))
}
