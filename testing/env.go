// Package testing pins the environment for tests that start application
// components. Import it for side effects.
package testing

import "os"

// testEnv keeps tests on in-process collaborators: no database, no redis.
var testEnv = map[string]string{
	"PROXAPEOPLE_TEST_MODE": "1",
	"AUTH_TOKEN_SECRET":     "test-secret",
	"RBAC_STORE":            "memory",
	"RBAC_POLICY_SOURCE":    "default",
	"RBAC_BROADCAST":        "false",
}

func init() {
	for key, value := range testEnv {
		if key != "PROXAPEOPLE_TEST_MODE" && os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
