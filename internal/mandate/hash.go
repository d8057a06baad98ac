package mandate

import "github.com/ap2fed/server/internal/canonical"

// CartHash is the hex SHA-256 over the canonical JSON of cart contents.
// This is the value bound into merchant_authorization and KB-JWT
// transaction_data; any cart mutation after signing changes it.
func CartHash(contents CartContents) (string, error) {
	return canonical.HashHex(contents)
}

// PaymentHash is the hex SHA-256 over the canonical JSON of payment mandate
// contents.
func PaymentHash(contents PaymentMandateContents) (string, error) {
	return canonical.HashHex(contents)
}
