package interfaces

import "errors"

// Shared sentinel errors crossing the collaborator boundary.
var (
	ErrNotFound          = errors.New("record not found")
	ErrNotAMember        = errors.New("user is not a member of this room")
	ErrInvalidCredential = errors.New("invalid credential")
)
