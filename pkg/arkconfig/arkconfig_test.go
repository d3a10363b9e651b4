package arkconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zedinhost/arkd/pkg/types"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		raw  string
		want Value
	}{
		{"True", Bool(true)},
		{"false", Bool(false)},
		{"YES", Bool(true)},
		{"off", Bool(false)},
		{"1", Int(1)},   // numeric, not boolean
		{"0", Int(0)},   // numeric, not boolean
		{"7777", Int(7777)},
		{"-3", Int(-3)},
		{"1.0", Float(1.0)},
		{"0.25", Float(0.25)},
		{"TheIsland_WP", String("TheIsland_WP")},
		{"", String("")},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.True(t, Coerce(tt.raw).Equal(tt.want), "coerce %q", tt.raw)
		})
	}
}

func TestFloatRenderingKeepsDecimalPoint(t *testing.T) {
	v := Float(1.0)
	assert.Equal(t, "1.0", v.String())
	assert.True(t, Coerce(v.String()).Equal(v))

	v = Float(0.5)
	assert.Equal(t, "0.5", v.String())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseSectionsAndTypes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, GameUserSettingsFile, `
[ServerSettings]
ServerPVE=True
MaxPlayers=70
TamingSpeedMultiplier=2.5
SomeModSetting=abc,def

[SessionSettings]
Port=7777
SessionName=My Server
`)

	sections, err := Parse(path)
	require.NoError(t, err)

	v, ok := sections.Get("ServerSettings", "ServerPVE")
	require.True(t, ok)
	b, ok := v.AsBool()
	require.True(t, ok)
	assert.True(t, b)

	v, _ = sections.Get("ServerSettings", "MaxPlayers")
	i, ok := v.AsInt()
	require.True(t, ok)
	assert.EqualValues(t, 70, i)

	v, _ = sections.Get("ServerSettings", "TamingSpeedMultiplier")
	f, ok := v.AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 2.5, f, 1e-9)

	// Unknown keys round-trip as strings.
	v, ok = sections.Get("ServerSettings", "SomeModSetting")
	require.True(t, ok)
	assert.Equal(t, "abc,def", v.String())

	v, _ = sections.Get("SessionSettings", "SessionName")
	assert.Equal(t, "My Server", v.String())
}

func TestParseHeaderlessKeysLandInServerSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, GameIniFile, "OrphanKey=5\n[Other]\nA=1\n")

	sections, err := Parse(path)
	require.NoError(t, err)

	v, ok := sections.Get("ServerSettings", "OrphanKey")
	require.True(t, ok)
	i, _ := v.AsInt()
	assert.EqualValues(t, 5, i)
}

func TestParseDuplicateKeyLastWins(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, GameIniFile, "[S]\nKey=1\nKey=2\n")

	sections, err := Parse(path)
	require.NoError(t, err)

	v, _ := sections.Get("S", "Key")
	i, _ := v.AsInt()
	assert.EqualValues(t, 2, i)
}

func TestParseMissingFileIsEmpty(t *testing.T) {
	sections, err := Parse(filepath.Join(t.TempDir(), "nope.ini"))
	require.NoError(t, err)
	assert.Empty(t, sections)
}

// parse(write(parse(f))) == parse(f): no key lost, no typed value changed.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, GameUserSettingsFile, `
; comment
[ServerSettings]
ServerPVE=true
MaxPlayers=70
XPMultiplier=1.0
ServerName=Test "Quotes" Server
UnknownModKey=some=odd=value

[/script/shootergame.shootergamemode]
MatingIntervalMultiplier=0.5
bAllowUnlimitedRespecs=True
`)

	first, err := Parse(path)
	require.NoError(t, err)

	rewritten := filepath.Join(dir, "rewritten.ini")
	require.NoError(t, Write(rewritten, first))

	second, err := Parse(rewritten)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for section, keys := range first {
		require.Contains(t, second, section)
		require.Len(t, second[section], len(keys))
		for key, want := range keys {
			got, ok := second.Get(section, key)
			require.True(t, ok, "key %s/%s lost", section, key)
			assert.True(t, got.Equal(want), "key %s/%s changed: %s != %s", section, key, got, want)
		}
	}
}

func TestWriteDropsKeysAbsentFromMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, GameIniFile)

	sections := Sections{}
	sections.Set("S", "Keep", Int(1))
	sections.Set("S", "Drop", Int(2))
	require.NoError(t, Write(path, sections))

	sections.Delete("S", "Drop")
	require.NoError(t, Write(path, sections))

	got, err := Parse(path)
	require.NoError(t, err)
	_, ok := got.Get("S", "Drop")
	assert.False(t, ok)
	_, ok = got.Get("S", "Keep")
	assert.True(t, ok)
}

func TestApplyDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, GameUserSettingsFile, `
[ServerSettings]
ServerPassword=oldsecret
CustomModKey=keepme
`)

	desc := &types.InstanceDescriptor{
		ID:            1,
		Name:          "Island PvP",
		AdminPassword: "admin123",
		JoinPassword:  "", // public server: the key must be removed
		MaxPlayers:    40,
		Port:          7777,
		QueryPort:     7779,
		ConsolePort:   27015,
	}

	require.NoError(t, ApplyDescriptor(dir, desc))

	sections, err := Parse(filepath.Join(dir, GameUserSettingsFile))
	require.NoError(t, err)

	v, _ := sections.Get("ServerSettings", "SessionName")
	assert.Equal(t, "Island PvP", v.String())

	v, _ = sections.Get("ServerSettings", "ServerAdminPassword")
	assert.Equal(t, "admin123", v.String())

	_, ok := sections.Get("ServerSettings", "ServerPassword")
	assert.False(t, ok, "empty join password must delete ServerPassword")

	v, _ = sections.Get("ServerSettings", "RCONPort")
	i, _ := v.AsInt()
	assert.EqualValues(t, 27015, i)

	v, ok = sections.Get("ServerSettings", "CustomModKey")
	require.True(t, ok, "unrelated keys must survive")
	assert.Equal(t, "keepme", v.String())

	v, _ = sections.Get("SessionSettings", "QueryPort")
	i, _ = v.AsInt()
	assert.EqualValues(t, 7779, i)
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe("ServerSettings", "MaxPlayers"), "players")
	assert.Contains(t, Describe("SomeSection", "TotallyUnknownKey"), "Custom setting")
	// Shared key names resolve across sections.
	assert.NotContains(t, Describe("SessionSettings", "RCONPort"), "Custom setting")
}

func TestIsBooleanSetting(t *testing.T) {
	assert.True(t, IsBooleanSetting("ServerSettings", "ServerPVE", Bool(true)))
	assert.False(t, IsBooleanSetting("ServerSettings", "MaxPlayers", Int(1)))
	assert.False(t, IsBooleanSetting("ServerSettings", "XPMultiplier", Float(1.0)))
	assert.False(t, IsBooleanSetting("ServerSettings", "ServerName", String("My Server")))
}
