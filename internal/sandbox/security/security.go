// Package security defines sandbox isolation and security profiles.
package security

import "fmt"

// IsolationProfile describes namespace and seccomp settings.
type IsolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}

// StaticResolver maps profile names to isolation profiles from config.
type StaticResolver struct {
	profiles map[string]IsolationProfile
}

// NewStaticResolver builds a resolver over a fixed profile set.
func NewStaticResolver(profiles map[string]IsolationProfile) *StaticResolver {
	if profiles == nil {
		profiles = make(map[string]IsolationProfile)
	}
	return &StaticResolver{profiles: profiles}
}

// Resolve returns the isolation profile for a name. Unknown names are
// an error; there is no implicit fallback profile.
func (r *StaticResolver) Resolve(profile string) (IsolationProfile, error) {
	p, ok := r.profiles[profile]
	if !ok {
		return IsolationProfile{}, fmt.Errorf("unknown isolation profile %q", profile)
	}
	return p, nil
}
