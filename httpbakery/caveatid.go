package httpbakery

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/nacl/box"
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

const (
	// KeyLen holds the length in bytes of public and private keys.
	KeyLen = 32

	// NonceLen holds the length in bytes of the nonce used
	// to seal a caveat id.
	NonceLen = 24

	rootKeyLen = 24
)

// KeyPair holds a public/private key pair suitable for
// sealing and unsealing third party caveat ids.
type KeyPair struct {
	public  [KeyLen]byte
	private [KeyLen]byte
}

// GenerateKey generates a new key pair.
func GenerateKey() (*KeyPair, error) {
	return GenerateKeyWithRand(rand.Reader)
}

// GenerateKeyWithRand generates a new key pair
// using r as a source of randomness.
func GenerateKeyWithRand(r io.Reader) (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, errgo.Notef(err, "cannot generate key")
	}
	return &KeyPair{
		public:  *pub,
		private: *priv,
	}, nil
}

// PublicKey returns the public part of the key pair.
func (k *KeyPair) PublicKey() *[KeyLen]byte {
	pub := k.public
	return &pub
}

// ThirdPartyCaveatId defines the format of a public-key
// encrypted third party caveat id. Id holds the
// base64-encoded sealed caveatIdRecord, encrypted with
// the third party public key and the first party private key.
type ThirdPartyCaveatId struct {
	ThirdPartyPublicKey []byte
	FirstPartyPublicKey []byte
	Nonce               []byte
	Id                  string
}

// caveatIdRecord is the plain text sealed in a ThirdPartyCaveatId.
type caveatIdRecord struct {
	RootKey   []byte
	Condition string
}

// CaveatIdCodec seals third party caveat ids so that only
// the addressed third party can read them, and unseals
// caveat ids addressed to its own key.
type CaveatIdCodec struct {
	key  *KeyPair
	rand io.Reader
}

// NewCaveatIdCodec returns a codec that uses the given key pair. The
// randomness source r is used to generate root keys and nonces;
// if it is nil, crypto/rand.Reader is used.
func NewCaveatIdCodec(key *KeyPair, r io.Reader) *CaveatIdCodec {
	if r == nil {
		r = rand.Reader
	}
	return &CaveatIdCodec{
		key:  key,
		rand: r,
	}
}

// Seal creates a caveat id holding the given condition, readable
// only by the owner of thirdPartyPub. It returns the caveat id and the
// newly generated root key that should be used to add the third party
// caveat to a macaroon.
func (c *CaveatIdCodec) Seal(condition string, thirdPartyPub *[KeyLen]byte) (caveatId string, rootKey []byte, err error) {
	var nonce [NonceLen]byte
	if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
		return "", nil, errgo.Notef(err, "cannot generate random number for nonce")
	}
	rootKey = make([]byte, rootKeyLen)
	if _, err := io.ReadFull(c.rand, rootKey); err != nil {
		return "", nil, errgo.Notef(err, "cannot generate random root key")
	}
	plain := caveatIdRecord{
		RootKey:   rootKey,
		Condition: condition,
	}
	plainData, err := json.Marshal(&plain)
	if err != nil {
		return "", nil, errgo.Notef(err, "cannot marshal caveat id record")
	}
	sealed := box.Seal(nil, plainData, &nonce, thirdPartyPub, &c.key.private)
	data, err := json.Marshal(&ThirdPartyCaveatId{
		ThirdPartyPublicKey: thirdPartyPub[:],
		FirstPartyPublicKey: c.key.public[:],
		Nonce:               nonce[:],
		Id:                  base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", nil, errgo.Notef(err, "cannot marshal caveat id")
	}
	return string(data), rootKey, nil
}

// Unseal decodes a caveat id created by Seal and addressed to
// the codec's key pair. It returns the root key and
// the condition held in the caveat id.
func (c *CaveatIdCodec) Unseal(caveatId string) (rootKey []byte, condition string, err error) {
	var id ThirdPartyCaveatId
	if err := json.Unmarshal([]byte(caveatId), &id); err != nil {
		return nil, "", errgo.WithCausef(err, ErrCaveatFormat, "cannot unmarshal caveat id")
	}
	if !bytes.Equal(c.key.public[:], id.ThirdPartyPublicKey) {
		return nil, "", errgo.WithCausef(nil, ErrKeyMismatch, "public key mismatch")
	}
	var nonce [NonceLen]byte
	if len(id.Nonce) != len(nonce) {
		return nil, "", errgo.WithCausef(nil, ErrNonceLength, "bad nonce length %d", len(id.Nonce))
	}
	copy(nonce[:], id.Nonce)

	var firstPartyPub [KeyLen]byte
	if len(id.FirstPartyPublicKey) != len(firstPartyPub) {
		return nil, "", errgo.WithCausef(nil, ErrCaveatFormat, "bad public key length %d", len(id.FirstPartyPublicKey))
	}
	copy(firstPartyPub[:], id.FirstPartyPublicKey)

	sealed, err := base64.StdEncoding.DecodeString(id.Id)
	if err != nil {
		return nil, "", errgo.WithCausef(err, ErrCaveatFormat, "cannot base64-decode encrypted caveat id")
	}
	plainData, ok := box.Open(nil, sealed, &nonce, &firstPartyPub, &c.key.private)
	if !ok {
		return nil, "", errgo.WithCausef(nil, ErrDecryption, "decryption of public-key encrypted caveat id failed")
	}
	var record struct {
		RootKey   []byte
		Condition *string
	}
	if err := json.Unmarshal(plainData, &record); err != nil {
		return nil, "", errgo.WithCausef(err, ErrCaveatFormat, "cannot decode third party caveat record")
	}
	if record.Condition == nil {
		return nil, "", errgo.WithCausef(nil, ErrMissingCondition, "empty condition in third party caveat")
	}
	return record.RootKey, *record.Condition, nil
}

// AddThirdPartyCaveat adds to m a third party caveat with the given
// condition, addressed to the third party at the given location
// holding the private key for thirdPartyPub.
func (c *CaveatIdCodec) AddThirdPartyCaveat(m *macaroon.Macaroon, condition, location string, thirdPartyPub *[KeyLen]byte) error {
	caveatId, rootKey, err := c.Seal(condition, thirdPartyPub)
	if err != nil {
		return errgo.Mask(err)
	}
	if err := m.AddThirdPartyCaveat(rootKey, []byte(caveatId), location); err != nil {
		return errgo.Notef(err, "cannot add third party caveat")
	}
	return nil
}

// DischargeThirdPartyCaveat unseals the given caveat id, checks its
// condition with check, and returns a macaroon that discharges the
// caveat. The check function should return an error if the condition
// does not hold.
func (c *CaveatIdCodec) DischargeThirdPartyCaveat(caveatId string, check func(condition string) error) (*macaroon.Macaroon, error) {
	rootKey, condition, err := c.Unseal(caveatId)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if err := check(condition); err != nil {
		return nil, errgo.WithCausef(err, ErrDischargeRejected, "caveat %q not satisfied", condition)
	}
	m, err := macaroon.New(rootKey, []byte(caveatId), "", macaroon.LatestVersion)
	if err != nil {
		return nil, errgo.Notef(err, "cannot mint discharge macaroon")
	}
	return m, nil
}
