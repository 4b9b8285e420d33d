package sandbox

import "fmt"

// Mount is one bind mount granted to a sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// MountPolicy restricts where extra per-group mounts may come from.
type MountPolicy struct {
	allowedPrefixes []string
}

// NewMountPolicy builds a policy over the allowed host path prefixes.
// An empty prefix list rejects every extra mount.
func NewMountPolicy(allowedPrefixes []string) *MountPolicy {
	return &MountPolicy{allowedPrefixes: allowedPrefixes}
}

// Validate checks every mount source against the allowed prefixes.
func (p *MountPolicy) Validate(mounts []Mount) error {
	for _, m := range mounts {
		allowed := false
		for _, prefix := range p.allowedPrefixes {
			if prefix != "" && len(m.Source) >= len(prefix) && m.Source[:len(prefix)] == prefix {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("mount source %q not allowed by policy", m.Source)
		}
	}
	return nil
}
