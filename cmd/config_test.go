package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Default(t *testing.T) {
	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "", config.MCSD.QueryDirectory.FHIRBaseURL)
	assert.True(t, config.StrictMode)

	expectedResourceTypes := []string{"Organization", "Endpoint", "Location", "HealthcareService", "PractitionerRole", "Practitioner"}
	assert.Equal(t, expectedResourceTypes, config.MCSD.DirectoryResourceTypes)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
strictmode: false
mcsd:
  querydirectory:
    fhirbaseurl: "http://localhost:9090/fhir"
registry:
  providers:
    - "https://lrza.example.org/fhir"
notify:
  senderura: "12345678"
`

	configFile := filepath.Join(configDir, "zorgadresboek.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// Change to temp directory so config/zorgadresboek.yml is found
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, config.StrictMode)
	assert.Equal(t, "http://localhost:9090/fhir", config.MCSD.QueryDirectory.FHIRBaseURL)
	assert.Equal(t, []string{"https://lrza.example.org/fhir"}, config.Registry.Providers)
	assert.Equal(t, "12345678", config.Notify.SenderURA)
}

func TestLoadConfig_FromEnvironmentVariables(t *testing.T) {
	t.Setenv("ZAB_MCSD_QUERYDIRECTORY_FHIRBASEURL", "http://env-test:8080/fhir")

	config, err := LoadConfig()
	require.NoError(t, err)

	// Environment variables should override defaults
	assert.Equal(t, "http://env-test:8080/fhir", config.MCSD.QueryDirectory.FHIRBaseURL)
}

func TestLoadConfig_EnvOverridesYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
mcsd:
  querydirectory:
    fhirbaseurl: "http://yaml:8080/fhir"
`

	configFile := filepath.Join(configDir, "zorgadresboek.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	t.Setenv("ZAB_MCSD_QUERYDIRECTORY_FHIRBASEURL", "http://env:8080/fhir")

	config, err := LoadConfig()
	require.NoError(t, err)

	// Environment should override YAML
	assert.Equal(t, "http://env:8080/fhir", config.MCSD.QueryDirectory.FHIRBaseURL)
}
