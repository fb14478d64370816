package encryption

import (
	"context"
	"testing"

	"marketplace-auth/internal/config"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS wraps data keys with a fixed XOR mask, enough to exercise the KMS code path
type fakeKMS struct {
	generated int
	decrypted int
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.generated++
	plain := make([]byte, 32)
	for i := range plain {
		plain[i] = byte(i + f.generated)
	}
	return &kms.GenerateDataKeyOutput{Plaintext: plain, CiphertextBlob: xor(plain), KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func TestLocalEnvelopeRoundTrip(t *testing.T) {
	em := NewEncryptionManager(config.Defaults(), nil)
	ctx := context.Background()

	blob, err := em.Seal(ctx, "+919876543210", "phone")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "9876543210")

	got, err := em.Open(ctx, blob, "phone")
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", got)

	// a ciphertext sealed for one purpose does not open for another
	_, err = em.Open(ctx, blob, "email")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKMSEnvelopeUsesCacheAfterClear(t *testing.T) {
	cfg := config.Defaults()
	cfg.KMS.Enabled = true
	cfg.KMS.KeyID = "alias/test"
	fk := &fakeKMS{}
	em := NewEncryptionManager(cfg, fk)
	ctx := context.Background()

	blob, err := em.Seal(ctx, "maker@example.com", "email")
	require.NoError(t, err)
	assert.Equal(t, 1, fk.generated)
	assert.Equal(t, 1, em.GetCacheSize())

	got, err := em.Open(ctx, blob, "email")
	require.NoError(t, err)
	assert.Equal(t, "maker@example.com", got)
	assert.Zero(t, fk.decrypted)

	em.ClearCache()
	got, err = em.Open(ctx, blob, "email")
	require.NoError(t, err)
	assert.Equal(t, "maker@example.com", got)
	assert.Equal(t, 1, fk.decrypted)
}

func TestEmptyValuesSealToNil(t *testing.T) {
	em := NewEncryptionManager(config.Defaults(), nil)
	blob, err := em.Seal(context.Background(), "", "phone")
	require.NoError(t, err)
	assert.Nil(t, blob)

	got, err := em.Open(context.Background(), nil, "phone")
	require.NoError(t, err)
	assert.Empty(t, got)
}
