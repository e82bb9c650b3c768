package security

import "testing"

func TestStaticResolverResolvesConfiguredProfiles(t *testing.T) {
	r := NewStaticResolver(map[string]IsolationProfile{
		"default": {
			RootFS:         "/srv/sandbox/rootfs",
			SeccompProfile: "/etc/codelab/seccomp.json",
			DisableNetwork: true,
		},
	})

	p, err := r.Resolve("default")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.RootFS != "/srv/sandbox/rootfs" || p.SeccompProfile != "/etc/codelab/seccomp.json" {
		t.Fatalf("default profile lost its isolation settings: %+v", p)
	}
	if !p.DisableNetwork {
		t.Fatal("network must stay disabled")
	}
}

func TestStaticResolverRejectsUnknownProfile(t *testing.T) {
	r := NewStaticResolver(map[string]IsolationProfile{
		"default": {DisableNetwork: true},
	})
	if _, err := r.Resolve("privileged"); err == nil {
		t.Fatal("unknown profile must not resolve")
	}
}

func TestStaticResolverHasNoImplicitDefault(t *testing.T) {
	r := NewStaticResolver(nil)
	if _, err := r.Resolve("default"); err == nil {
		t.Fatal("an empty resolver must not hand out a permissive default profile")
	}
}
