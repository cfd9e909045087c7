package docid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_FoldNone(t *testing.T) {
	assert.Equal(t, "Foo/Bar.txt", ID("Foo/Bar.txt", FoldNone))
	assert.NotEqual(t, ID("Foo.txt", FoldNone), ID("foo.txt", FoldNone))
}

func TestID_FoldUpper(t *testing.T) {
	assert.Equal(t, ID("Foo.txt", FoldUpper), ID("foo.TXT", FoldUpper))
}

func TestID_FoldNFDUpper_NormalizesComposedForms(t *testing.T) {
	// é is the precomposed "e acute" codepoint (NFC); é is
	// "e" followed by a combining acute accent (NFD). A case-insensitive,
	// Unicode-normalizing filesystem treats both spellings as one identity.
	composed := "café.txt"
	decomposed := "café.txt"

	require.NotEqual(t, composed, decomposed)
	assert.Equal(t, ID(composed, FoldNFDUpper), ID(decomposed, FoldNFDUpper))
}

func TestDetect_ForbiddenChar(t *testing.T) {
	issues := Detect("a/b?c.txt", "/sync", "file", "local")
	require.NotEmpty(t, issues)
	assert.Equal(t, KindForbiddenChar, issues[0].Kind)
	assert.Equal(t, "local", issues[0].Where)
}

func TestDetect_ReservedName(t *testing.T) {
	issues := Detect("docs/CON.txt", "/sync", "file", "remote")
	found := false
	for _, iss := range issues {
		if iss.Kind == KindReservedName {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetect_TrailingSpaceAndDot(t *testing.T) {
	issues := Detect("notes /x.", "/sync", "file", "local")
	var kinds []IncompatibilityKind
	for _, iss := range issues {
		kinds = append(kinds, iss.Kind)
	}
	assert.Contains(t, kinds, KindTrailingSpace)
	assert.Contains(t, kinds, KindTrailingDot)
}

func TestDetect_NameTooLong(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	issues := Detect(string(long)+".txt", "/sync", "file", "local")
	found := false
	for _, iss := range issues {
		if iss.Kind == KindNameTooLong {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetect_CleanPathHasNoIssues(t *testing.T) {
	issues := Detect("docs/report.txt", "/sync", "file", "local")
	assert.Empty(t, issues)
}

func TestConflictingName_InsertsBeforeExtension(t *testing.T) {
	at := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	got := ConflictingName("docs/report.txt", at)
	assert.Equal(t, "docs/report-conflict-20260730T120000.000Z.txt", got)
}

func TestConflictingName_NoExtension(t *testing.T) {
	at := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	got := ConflictingName("docs/README", at)
	assert.Equal(t, "docs/README-conflict-20260730T120000.000Z", got)
}

func TestConflictingName_RootLevel(t *testing.T) {
	at := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	got := ConflictingName("report.txt", at)
	assert.Equal(t, "report-conflict-20260730T120000.000Z.txt", got)
}

func TestConflictingName_SubSecondPrecisionIsInjective(t *testing.T) {
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a := ConflictingName("report.txt", base)
	b := ConflictingName("report.txt", base.Add(500*time.Millisecond))
	assert.NotEqual(t, a, b)
}

func TestFolding_TextRoundTrip(t *testing.T) {
	for _, f := range []Folding{FoldNone, FoldNFDUpper, FoldUpper} {
		text, err := f.MarshalText()
		require.NoError(t, err)

		var got Folding
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, f, got)
	}
}
