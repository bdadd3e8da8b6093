package session

import (
	"encoding/json"
	"os"
	"slices"
	"strings"
)

// AdminsEnvVar names the environment variable listing admin subjects,
// comma separated.
const AdminsEnvVar = "VEDFOLNIR_ADMINS"

// AdminConfig decides which subjects get the admin role at session
// creation. Sources are checked in order: environment, then config
// file.
type AdminConfig struct {
	envAdmins  []string
	fileAdmins []string
}

// NewAdminConfig loads admin subjects from the named environment
// variable (comma separated) and, when configFile is non-empty, from a
// JSON file with an "admins" array. A missing or malformed file is
// ignored.
func NewAdminConfig(envVar, configFile string) *AdminConfig {
	cfg := &AdminConfig{}

	if envVal := os.Getenv(envVar); envVal != "" {
		for _, subject := range strings.Split(envVal, ",") {
			subject = strings.TrimSpace(subject)
			if subject != "" {
				cfg.envAdmins = append(cfg.envAdmins, subject)
			}
		}
	}

	if configFile != "" {
		if data, err := os.ReadFile(configFile); err == nil {
			var fileConfig struct {
				Admins []string `json:"admins"`
			}
			if err := json.Unmarshal(data, &fileConfig); err == nil {
				cfg.fileAdmins = fileConfig.Admins
			}
		}
	}

	return cfg
}

// IsAdmin reports whether the subject appears in any admin source.
func (c *AdminConfig) IsAdmin(subject string) bool {
	if slices.Contains(c.envAdmins, subject) {
		return true
	}
	return slices.Contains(c.fileAdmins, subject)
}

// EnvAdmins returns the admins from the environment variable.
func (c *AdminConfig) EnvAdmins() []string {
	return c.envAdmins
}

// FileAdmins returns the admins from the config file.
func (c *AdminConfig) FileAdmins() []string {
	return c.fileAdmins
}
