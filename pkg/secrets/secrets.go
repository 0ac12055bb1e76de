// Package secrets is the boundary between configuration and credential
// material. Config files name secrets; a Source turns names into values at
// wiring time, so keys never land in YAML or logs.
package secrets

import (
	"os"

	"github.com/sentinelops/aegis/pkg/errs"
)

// Source resolves a named secret to its value.
type Source interface {
	GetSecret(name string) (string, error)
}

// EnvSource resolves secrets from environment variables, optionally under a
// prefix. The production default; deployments with a dedicated secret manager
// plug in their own Source.
type EnvSource struct {
	// Prefix is prepended to every lookup, e.g. "AEGIS_" resolves
	// GetSecret("API_KEY") from AEGIS_API_KEY.
	Prefix string
}

func (s EnvSource) GetSecret(name string) (string, error) {
	if name == "" {
		return "", errs.Validationf("name", "secret name is required")
	}
	v, ok := os.LookupEnv(s.Prefix + name)
	if !ok || v == "" {
		return "", errs.Newf(errs.NotFound, "secret %s%s is not set", s.Prefix, name)
	}
	return v, nil
}

// Static is a fixed map Source for tests.
type Static map[string]string

func (s Static) GetSecret(name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", errs.Newf(errs.NotFound, "secret %s is not set", name)
}
