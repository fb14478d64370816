package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KMSAPI is the subset of the KMS client used for envelope encryption
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// EncryptedData is the envelope stored next to a user record. The purpose
// (phone, email, payout) is bound into the AEAD additional data.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type EncryptionManager struct {
	kmsClient KMSAPI
	cfg       config.KMSConfig
	keyCache  *cache.Cache // encrypted DEK -> plaintext DEK

	// local mode wraps data keys under a process key instead of KMS
	localKEK []byte
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) *EncryptionManager {
	em := &EncryptionManager{
		kmsClient: kmsClient,
		cfg:       cfg.KMS,
		// unwrapped keys expire so a revoked KMS grant takes effect within the hour
		keyCache:  cache.New(time.Hour, 10*time.Minute),
	}
	if !cfg.KMS.Enabled || kmsClient == nil {
		em.cfg.Enabled = false
		em.localKEK = make([]byte, 32)
		if _, err := rand.Read(em.localKEK); err != nil {
			util.Fatal("Failed to generate local key encryption key", zap.Error(err))
		}
		util.Warn("KMS disabled, using process-local envelope key")
	}
	return em
}

// GenerateDataKey generates a new data encryption key using KMS
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.cfg.Enabled {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.cfg.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.cfg.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKEK, key, []byte("dek"))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: "local"}, nil
}

// EncryptField encrypts a sensitive field using envelope encryption
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, err
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.SetDefault(encryptedDEK, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   encryptedDEK,
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts an encrypted field
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData, purpose string) (string, error) {
	dek, err := em.unwrapDEK(ctx, data.EncryptedDEK)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(dek, ciphertext, []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Seal encrypts and serialises the envelope for a blob column
func (em *EncryptionManager) Seal(ctx context.Context, plaintext, purpose string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	data, err := em.EncryptField(ctx, plaintext, purpose)
	if err != nil {
		return nil, err
	}
	return json.Marshal(data)
}

// Open reverses Seal
func (em *EncryptionManager) Open(ctx context.Context, blob []byte, purpose string) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	var data EncryptedData
	if err := json.Unmarshal(blob, &data); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &data, purpose)
}

func (em *EncryptionManager) unwrapDEK(ctx context.Context, encryptedDEK string) ([]byte, error) {
	if cached, ok := em.keyCache.Get(encryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	if em.cfg.Enabled {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	} else {
		dek, err = open(em.localKEK, blob, []byte("dek"))
		if err != nil {
			return nil, err
		}
	}

	em.keyCache.SetDefault(encryptedDEK, dek)
	return dek, nil
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ClearCache drops every unwrapped data key
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Flush()
}

func (em *EncryptionManager) GetCacheSize() int {
	return em.keyCache.ItemCount()
}
