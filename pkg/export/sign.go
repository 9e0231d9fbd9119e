package export

import (
	"errors"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// ReadSignKey reads the first private key of the armored key ring at
// path, decrypting it with the passphrase when needed.
func ReadSignKey(path string, passphrase []byte) (*openpgp.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrap(err, "opening signing key")
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, wrap(err, "reading signing key")
	}

	for _, e := range entities {
		if e.PrivateKey == nil {
			continue
		}

		if e.PrivateKey.Encrypted {
			err = e.PrivateKey.Decrypt(passphrase)
			if err != nil {
				return nil, wrap(err, "decrypting signing key")
			}
		}
		for _, sub := range e.Subkeys {
			if sub.PrivateKey == nil || !sub.PrivateKey.Encrypted {
				continue
			}
			err = sub.PrivateKey.Decrypt(passphrase)
			if err != nil {
				return nil, wrap(err, "decrypting signing subkey")
			}
		}
		return e, nil
	}

	return nil, errors.New("no private key in " + path)
}
