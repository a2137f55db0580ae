package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acmetk/acme-broker/test"
)

type testConfig struct {
	Name    string `validate:"required"`
	Timeout ConfigDuration
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(path, []byte(contents), 0644)
	test.AssertNotError(t, err, "writing config file")
	return path
}

func TestReadConfigFile(t *testing.T) {
	var c testConfig
	err := ReadConfigFile(writeConfig(t, `{"name": "test", "timeout": "30s"}`), &c)
	test.AssertNotError(t, err, "reading valid config")
	test.AssertEquals(t, c.Name, "test")
	test.AssertEquals(t, c.Timeout.Duration.Seconds(), 30.0)
}

func TestReadConfigFileRejectsUnknownKeys(t *testing.T) {
	var c testConfig
	err := ReadConfigFile(writeConfig(t, `{"name": "test", "bogus": true}`), &c)
	test.AssertError(t, err, "expected error for unknown config key")
}

func TestReadConfigFileValidates(t *testing.T) {
	var c testConfig
	err := ReadConfigFile(writeConfig(t, `{"timeout": "30s"}`), &c)
	test.AssertError(t, err, "expected validation error for missing required field")
}

func TestReadConfigFileMissing(t *testing.T) {
	var c testConfig
	err := ReadConfigFile(filepath.Join(t.TempDir(), "nope.json"), &c)
	test.AssertError(t, err, "expected error for missing config file")
}

func TestReadConfigFileRejectsNumericDuration(t *testing.T) {
	var c testConfig
	err := ReadConfigFile(writeConfig(t, `{"name": "test", "timeout": 30}`), &c)
	test.AssertError(t, err, "expected error for non-string duration")
}

func TestVersionString(t *testing.T) {
	vs := VersionString()
	test.Assert(t, strings.Contains(vs, "Golang=("), "version string missing Go version")
}
