package registry

import "context"

// RepositoryTokenSource mints per-repository JWTs addressed to the
// configured registry service. Used by the registry API client.
type RepositoryTokenSource struct {
	Issuer  *Issuer
	Service string
}

func (s RepositoryTokenSource) RepositoryToken(ctx context.Context, repository string, actions []string) (string, error) {
	return s.Issuer.Mint(ctx, s.Service, []Access{{
		Type:    "repository",
		Name:    repository,
		Actions: actions,
	}})
}

// PullSecretSource renders dockerconfigjson payloads carrying a
// pull-scoped builder credential. Used by the deployer.
type PullSecretSource struct {
	Credentials *Credentials
	URL         string
}

func (s PullSecretSource) PullSecretData(repository string) ([]byte, error) {
	credential, err := s.Credentials.Generate([]Access{{
		Type:    "repository",
		Name:    repository,
		Actions: []string{"pull"},
	}})
	if err != nil {
		return nil, err
	}
	return PullSecretPayload(s.URL, credential)
}
