package hosts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	input := `# fleet inventory
web-1,10.0.0.1,22,deploy,~/.ssh/id_ed25519,web prod

db-1,10.0.0.2,2222,postgres,#,db prod
bare,10.0.0.3,22,root,#
`
	records, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, "web-1", records[0].Name)
	require.Equal(t, "10.0.0.1", records[0].Address)
	require.Equal(t, 22, records[0].Port)
	require.Equal(t, "deploy", records[0].User)
	require.Equal(t, "~/.ssh/id_ed25519", records[0].KeyPath)
	require.Equal(t, []string{"web", "prod"}, records[0].Tags)

	// "#" key placeholder means no key
	require.Empty(t, records[1].KeyPath)
	require.Equal(t, 2222, records[1].Port)

	require.Empty(t, records[2].Tags)
}

func TestParseCSVErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"too few fields", "web-1,10.0.0.1,22,deploy"},
		{"bad port", "web-1,10.0.0.1,ssh,deploy,#"},
		{"port out of range", "web-1,10.0.0.1,70000,deploy,#"},
		{"empty name", ",10.0.0.1,22,deploy,#"},
		{"empty user", "web-1,10.0.0.1,22,,#"},
		{"empty file", "# only comments\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tc.input))
			require.Error(t, err)
		})
	}
}

func TestParseYAML(t *testing.T) {
	input := `
hosts:
  - name: web-1
    address: 10.0.0.1
    user: deploy
    key: ~/.ssh/id_ed25519
    tags: [web, prod]
    env:
      APP_ENV: production
  - name: db-1
    address: 10.0.0.2
    port: 2222
    user: postgres
`
	records, err := ParseYAML(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Missing port defaults to 22
	require.Equal(t, DefaultPort, records[0].Port)
	require.Equal(t, "production", records[0].Env["APP_ENV"])
	require.Equal(t, []string{"web", "prod"}, records[0].Tags)

	require.Equal(t, 2222, records[1].Port)
	require.Nil(t, records[1].Env)
}

func TestParseYAMLErrors(t *testing.T) {
	_, err := ParseYAML(strings.NewReader("hosts: []"))
	require.Error(t, err)

	_, err = ParseYAML(strings.NewReader("hosts:\n  - name: x\n    user: u"))
	require.Error(t, err, "missing address must fail validation")
}

func TestLoadDispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "hosts.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("web-1,10.0.0.1,22,deploy,#\n"), 0o644))
	records, err := Load(csvPath)
	require.NoError(t, err)
	require.Len(t, records, 1)

	yamlPath := filepath.Join(dir, "hosts.yaml")
	inventory := "hosts:\n  - name: web-1\n    address: 10.0.0.1\n    user: deploy\n"
	require.NoError(t, os.WriteFile(yamlPath, []byte(inventory), 0o644))
	records, err = Load(yamlPath)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = Load(filepath.Join(dir, "missing.csv"))
	require.Error(t, err)
}

func TestSelectByTags(t *testing.T) {
	records := []Record{
		{Name: "web-1", Tags: []string{"web", "prod"}},
		{Name: "web-2", Tags: []string{"web", "staging"}},
		{Name: "db-1", Tags: []string{"db", "prod"}},
		{Name: "bare"},
	}

	require.Len(t, SelectByTags(records, nil), 4, "empty selection keeps everything")

	selected := SelectByTags(records, []string{"web"})
	require.Len(t, selected, 2)

	selected = SelectByTags(records, []string{"prod"})
	require.Len(t, selected, 2)

	// Any-match across multiple tags
	selected = SelectByTags(records, []string{"db", "staging"})
	require.Len(t, selected, 2)

	// Case-insensitive
	selected = SelectByTags(records, []string{"WEB"})
	require.Len(t, selected, 2)

	require.Empty(t, SelectByTags(records, []string{"nope"}))
}

func TestCheckUnique(t *testing.T) {
	require.NoError(t, CheckUnique([]Record{{Name: "a"}, {Name: "b"}}))

	err := CheckUnique([]Record{{Name: "a"}, {Name: "b"}, {Name: "a"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), `"a"`)
}

func TestRecordHelpers(t *testing.T) {
	rec := Record{Name: "web-1", Address: "10.0.0.1", Port: 2222, Tags: []string{"Web"}}
	require.Equal(t, "10.0.0.1:2222", rec.Addr())
	require.True(t, rec.HasTag("web"))
	require.False(t, rec.HasTag("db"))

	records := []Record{{Name: "a"}, {Name: "longest-name"}, {Name: "bb"}}
	require.Equal(t, len("longest-name"), MaxNameLength(records))
	require.Equal(t, 0, MaxNameLength(nil))
}
