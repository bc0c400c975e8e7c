package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteralMatchIsCaseInsensitive(t *testing.T) {
	f := New()
	require.NoError(t, f.SetRules([]Rule{
		{Mode: ModeLiteral, Pattern: "drop table", Label: "sql-drop"},
	}))

	hit := f.Matches(`{"query":"DROP TABLE users;"}`)
	require.NotNil(t, hit)
	assert.Equal(t, "sql-drop", hit.Label)

	assert.Nil(t, f.Matches(`{"query":"select 1"}`))
}

func TestRegexMatch(t *testing.T) {
	f := New()
	require.NoError(t, f.SetRules([]Rule{
		{Mode: ModeRegex, Pattern: `(?i)api[_-]?key\s*[=:]`, Label: "api-key"},
	}))

	require.NotNil(t, f.Matches(`API_KEY=deadbeef`))
	assert.Nil(t, f.Matches(`the key to success`))
}

func TestFirstMatchWins(t *testing.T) {
	f := New()
	require.NoError(t, f.SetRules([]Rule{
		{Mode: ModeLiteral, Pattern: "secret", Label: "first"},
		{Mode: ModeLiteral, Pattern: "secret", Label: "second"},
	}))

	hit := f.Matches("my secret value")
	require.NotNil(t, hit)
	assert.Equal(t, "first", hit.Label)
}

func TestInvalidRegexRejectsWholeSet(t *testing.T) {
	f := New()
	require.NoError(t, f.SetRules([]Rule{
		{Mode: ModeLiteral, Pattern: "old", Label: "old"},
	}))

	err := f.SetRules([]Rule{
		{Mode: ModeLiteral, Pattern: "new", Label: "new"},
		{Mode: ModeRegex, Pattern: "([broken", Label: "bad"},
	})
	require.Error(t, err)

	// Действующий набор не тронут
	assert.NotNil(t, f.Matches("old stuff"))
	assert.Nil(t, f.Matches("new stuff"))
}

func TestEmptyPatternAndUnknownModeRejected(t *testing.T) {
	f := New()
	assert.Error(t, f.SetRules([]Rule{{Mode: ModeLiteral, Pattern: "", Label: "x"}}))
	assert.Error(t, f.SetRules([]Rule{{Mode: "glob", Pattern: "*", Label: "x"}}))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"- mode: literal\n  pattern: \"rm -rf\"\n  label: fs-wipe\n"), 0o644))

	f := New()
	require.NoError(t, f.LoadFile(path))
	require.Len(t, f.Rules(), 1)
	assert.NotNil(t, f.Matches(`{"cmd":"rm -rf /tmp"}`))
}
