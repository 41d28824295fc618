package testutil

import (
	"testing"

	"github.com/crmdesk/backend/internal/crypto"
)

// TestEncryptionKeyBase64 is the deterministic key shared by test packages.
const TestEncryptionKeyBase64 = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

// GetTestEncryptor creates an encryptor with a deterministic key for tests.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKeyBase64)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
