package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

// providersFile はPROVIDERS_FILEのYAML形式。
//
//	providers:
//	  github:
//	    scopes: [read:user, user:email, read:org]
//	  google:
//	    query_params:
//	      access_type: offline
//	      prompt: consent
type providersFile struct {
	Providers map[string]session.ProviderParams `yaml:"providers"`
}

// LoadProviders はプロバイダー別のOAuthパラメータを返す。
// pathが空の場合は既定値を返す。ファイルに記載されたプロバイダーは既定値を置き換える。
func LoadProviders(path string) (map[model.Provider]session.ProviderParams, error) {
	params := session.DefaultProviderParams()
	if path == "" {
		return params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return parseProviders(data, params)
}

func parseProviders(data []byte, params map[model.Provider]session.ProviderParams) (map[model.Provider]session.ProviderParams, error) {
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for name, p := range f.Providers {
		provider, err := model.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("providers file: %w", err)
		}
		params[provider] = p
	}
	return params, nil
}
