package metadata

import (
	"sort"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Preset is a provider whose endpoints are known ahead of time, so no
// discovery round-trip is needed. Presets never advertise a registration
// endpoint: the caller must supply manual client credentials.
type Preset struct {
	// ID is the stable identifier used in target definitions.
	ID string

	// Name is the human-readable provider name.
	Name string

	// DefaultScope is requested when the target does not set its own.
	DefaultScope string

	// ExtraAuthParams are provider-specific query parameters added to the
	// authorization URL (e.g. offline access hints).
	ExtraAuthParams map[string]string

	// Tenanted marks multi-tenant providers whose endpoints depend on a
	// tenant string.
	Tenanted bool

	endpoint func(tenant string) oauth2.Endpoint
}

// Metadata returns the preset's endpoints as resolver metadata. For
// tenanted providers an empty tenant selects the provider's common
// endpoints.
func (p Preset) Metadata(tenant string) *Metadata {
	ep := p.endpoint(tenant)
	return &Metadata{
		AuthorizationEndpoint: ep.AuthURL,
		TokenEndpoint:         ep.TokenURL,
	}
}

var presets = map[string]Preset{
	"google": {
		ID:           "google",
		Name:         "Google",
		DefaultScope: "https://mail.google.com/",
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		endpoint: func(string) oauth2.Endpoint { return endpoints.Google },
	},
	"github": {
		ID:           "github",
		Name:         "GitHub",
		DefaultScope: "read:user",
		endpoint:     func(string) oauth2.Endpoint { return endpoints.GitHub },
	},
	"microsoft": {
		ID:           "microsoft",
		Name:         "Microsoft",
		DefaultScope: "offline_access https://outlook.office.com/IMAP.AccessAsUser.All",
		Tenanted:     true,
		endpoint: func(tenant string) oauth2.Endpoint {
			if tenant == "" {
				tenant = "common"
			}
			return endpoints.AzureAD(tenant)
		},
	},
}

// LookupPreset returns the preset for an identifier, if one exists.
func LookupPreset(id string) (Preset, bool) {
	p, ok := presets[id]
	return p, ok
}

// Presets returns all known presets, sorted by ID.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
