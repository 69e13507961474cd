package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv loads environment variables from a .env file
// Returns a map of key-value pairs
func LoadDotEnv(envPath string) (map[string]string, error) {
	env := make(map[string]string)

	// Check if .env file exists
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return env, nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return env, nil
}

// PasswordEnvKey is the variable holding the password for tag, e.g.
// RCONBRIDGE_PASSWORD_PROD or RCONBRIDGE_PASSWORD_EU_WEST for "eu-west".
func PasswordEnvKey(tag string) string {
	key := strings.ToUpper(tag)
	key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
	return EnvPrefix + "_PASSWORD_" + key
}

// ApplyDotEnvPasswords fills empty server passwords from dir/.env.
// Priority: config file > .env file > process environment.
func ApplyDotEnvPasswords(cfg *Config, dir string) error {
	envVars, err := LoadDotEnv(filepath.Join(dir, ".env"))
	if err != nil {
		return err
	}
	for _, s := range cfg.Servers {
		if s == nil || s.Password != "" {
			continue
		}
		if pw, ok := envVars[PasswordEnvKey(s.Tag)]; ok && pw != "" {
			s.Password = pw
		}
	}
	return nil
}

// ApplyEnvPasswords fills still-empty server passwords from the process environment.
func ApplyEnvPasswords(cfg *Config) {
	for _, s := range cfg.Servers {
		if s == nil || s.Password != "" {
			continue
		}
		if pw := os.Getenv(PasswordEnvKey(s.Tag)); pw != "" {
			s.Password = pw
		}
	}
}
