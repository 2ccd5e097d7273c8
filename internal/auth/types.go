package auth

import "github.com/pkg/errors"

// ErrAuthFailed covers both an unknown user and a wrong password; callers
// must not be able to tell the two apart.
var ErrAuthFailed = errors.New("authentication failed")

// Credential is the persisted auth.json record of one user.
type Credential struct {
	Hash   string `json:"hash"`   // base64 derived key
	Salt   string `json:"salt"`   // base64 salt, fixed at registration
	Method string `json:"method"` // derivation label, see Params.Label
}
