package webauthn

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

// RegisteredCredential is what attestation parsing yields at enrolment.
type RegisteredCredential struct {
	CredentialID []byte
	PublicKey    []byte // COSE_Key bytes
	SignCount    uint32
}

type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

// ParseAttestationObject extracts the credential id and COSE public key from
// a base64url attestation object. Attestation statements are not validated:
// this core trusts "none"/"packed" self-attestation, matching passkey
// platform authenticators.
func ParseAttestationObject(b64 string) (*RegisteredCredential, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, invalid("attestation object is not base64url")
	}
	var obj attestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return nil, invalid("attestation object is not CBOR")
	}

	// authData: rpIdHash(32) flags(1) signCount(4) aaguid(16) credIdLen(2) credId credPubKey
	if len(obj.AuthData) < 55 {
		return nil, invalid("attested authData truncated")
	}
	signCount := binary.BigEndian.Uint32(obj.AuthData[33:37])
	credIDLen := int(binary.BigEndian.Uint16(obj.AuthData[53:55]))
	if len(obj.AuthData) < 55+credIDLen {
		return nil, invalid("credential id truncated")
	}
	credID := obj.AuthData[55 : 55+credIDLen]

	coseRaw := obj.AuthData[55+credIDLen:]
	// Re-encode through the COSE codec to strip any trailing extensions and
	// confirm the key parses.
	pub, err := DecodeCOSEKey(coseRaw)
	if err != nil {
		return nil, err
	}
	coseClean, err := EncodeCOSEKey(pub)
	if err != nil {
		return nil, err
	}

	return &RegisteredCredential{
		CredentialID: append([]byte{}, credID...),
		PublicKey:    coseClean,
		SignCount:    signCount,
	}, nil
}
