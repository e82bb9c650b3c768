package engine

import (
	"codelab/internal/sandbox/security"
	"codelab/internal/sandbox/spec"
)

// initRequest is the JSON document handed to the sandbox-init helper
// on stdin. Field names must stay in sync with the helper's decoder.
type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
