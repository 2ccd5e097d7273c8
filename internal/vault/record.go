package vault

import (
	"github.com/pkg/errors"

	"payload-persist/internal/storage"
)

// Record is the persisted secret.json of one (user, app) pair. Password is
// envelope ciphertext; the server never sees the plaintext.
type Record struct {
	AppUsername string `json:"app_username"`
	Password    string `json:"password"`
	Timestamp   string `json:"timestamp"`
}

func (r Record) encode() ([]byte, error) {
	b, err := storage.EncodeJSON(r)
	return b, errors.Wrap(err, "encode record")
}
