// ABOUTME: LLM provider resolution with stored document, environment and default precedence
// ABOUTME: The single place that decides which provider and credentials the engine uses

package config

import (
	"fmt"
	"os"
)

// Provider names accepted in LLM_PROVIDER
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
	ProviderAzure  = "azure"
)

// DefaultProvider is used when neither the stored document nor the environment names one.
const DefaultProvider = ProviderAzure

// Default models per provider
const (
	DefaultOpenAIModel = "gpt-4o"
	DefaultGoogleModel = "gemini-2.0-flash"
	DefaultAzureModel  = "gpt-4o" // deployment name
)

// ProviderKeys lists every key a provider document may carry.
var ProviderKeys = []string{
	"LLM_PROVIDER",
	"LLM_MODEL",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_ENDPOINT",
	"AZURE_OPENAI_API_KEY",
	"AZURE_OPENAI_API_VERSION",
	"OPENAI_API_VERSION",
}

// Provider is the resolved reasoning provider configuration.
type Provider struct {
	Name       string
	Model      string
	APIKey     string
	Endpoint   string // Azure only
	APIVersion string // Azure only
}

// ResolveProvider picks the provider configuration with precedence
// stored document > environment > default. A stored document, when present,
// is used as a whole; the environment is only consulted without one.
// getenv may be nil, in which case os.Getenv is used.
func ResolveProvider(stored map[string]string, getenv func(string) string) (*Provider, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	lookup := getenv
	if len(stored) > 0 {
		lookup = func(k string) string { return stored[k] }
	}

	name := lookup("LLM_PROVIDER")
	if name == "" && len(stored) > 0 {
		name = stored["provider"]
	}
	if name == "" {
		name = DefaultProvider
	}

	p := &Provider{Name: name, Model: lookup("LLM_MODEL")}
	switch name {
	case ProviderOpenAI:
		p.APIKey = lookup("OPENAI_API_KEY")
		if p.Model == "" {
			p.Model = DefaultOpenAIModel
		}
	case ProviderGoogle:
		p.APIKey = lookup("GOOGLE_API_KEY")
		if p.Model == "" {
			p.Model = DefaultGoogleModel
		}
	case ProviderAzure:
		p.APIKey = lookup("AZURE_OPENAI_API_KEY")
		p.Endpoint = lookup("AZURE_OPENAI_ENDPOINT")
		p.APIVersion = lookup("AZURE_OPENAI_API_VERSION")
		if p.APIVersion == "" {
			p.APIVersion = lookup("OPENAI_API_VERSION")
		}
		if p.Model == "" {
			p.Model = DefaultAzureModel
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}

	return p, nil
}

// Document renders the provider as the key/value document returned by the admin API.
func (p *Provider) Document() map[string]string {
	doc := map[string]string{"LLM_PROVIDER": p.Name}
	switch p.Name {
	case ProviderOpenAI:
		doc["OPENAI_API_KEY"] = p.APIKey
	case ProviderGoogle:
		doc["GOOGLE_API_KEY"] = p.APIKey
	case ProviderAzure:
		doc["AZURE_OPENAI_ENDPOINT"] = p.Endpoint
		doc["AZURE_OPENAI_API_KEY"] = p.APIKey
		doc["AZURE_OPENAI_API_VERSION"] = p.APIVersion
	}
	return doc
}
