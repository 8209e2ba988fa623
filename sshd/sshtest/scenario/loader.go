package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed fixtures/*.yml
var fixturesFS embed.FS

// LoadFixture loads a scenario from the fixtures directory by name.
// The name can be with or without the .yml extension.
func LoadFixture(name string) (*Scenario, error) {
	name = strings.TrimSuffix(name, ".yml")
	// embed.FS paths always use forward slashes
	content, err := fixturesFS.ReadFile("fixtures/" + name + ".yml")
	if err != nil {
		return nil, fmt.Errorf("fixture %q not found", name)
	}
	sc, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("fixture %q: %w", name, err)
	}
	return sc, nil
}

// ListFixtures returns the names of the available fixtures.
func ListFixtures() ([]string, error) {
	entries, err := fs.ReadDir(fixturesFS, "fixtures")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && path.Ext(e.Name()) == ".yml" {
			names = append(names, strings.TrimSuffix(e.Name(), ".yml"))
		}
	}
	return names, nil
}
