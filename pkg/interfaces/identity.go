package interfaces

import "chatrelay/pkg/types"

// IdentityVerifier exchanges a bearer credential for a stable user
// identity. A failed verification closes the connection with no event
// emitted.
type IdentityVerifier interface {
	Verify(credential string) (types.Identity, error)
}
