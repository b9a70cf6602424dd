package envelope

import "errors"

var (
	ErrKeyFormat  = errors.New("envelope: malformed key")
	ErrDecryption = errors.New("envelope: message could not be decrypted")
)
