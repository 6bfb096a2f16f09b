package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrKeystorePath       = errors.New("crypto: empty keystore path")
	ErrKeystorePassphrase = errors.New("crypto: wrong keystore passphrase")
	// ErrKeystoreAddress means the address recorded in the file does not
	// belong to the key it encrypts.
	ErrKeystoreAddress = errors.New("crypto: keystore address mismatch")
)

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path. The
// file is replaced atomically and readable only by its owner. Missing parent
// directories are created with 0700 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	if strings.TrimSpace(path) == "" {
		return ErrKeystorePath
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	encoded, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    common.BytesToAddress(key.PubKey().Address().Bytes()),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the keystore file at path. The address recorded
// in the file must match the decrypted key.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	declared, keyJSON, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrKeystorePassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", path, err)
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if got := key.PubKey().Address(); got.Raw() != declared.Raw() {
		return nil, fmt.Errorf("%w: file declares %s, key is %s", ErrKeystoreAddress, declared, got)
	}
	return key, nil
}

// KeystoreAddress returns the participant address recorded in the keystore
// file at path without decrypting it.
func KeystoreAddress(path string) (Address, error) {
	addr, _, err := readKeystore(path)
	return addr, err
}

func readKeystore(path string) (Address, []byte, error) {
	if strings.TrimSpace(path) == "" {
		return Address{}, nil, ErrKeystorePath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return Address{}, nil, fmt.Errorf("crypto: read keystore: %w", err)
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return Address{}, nil, fmt.Errorf("crypto: parse keystore %s: %w", path, err)
	}
	hexAddr := strings.TrimPrefix(strings.ToLower(header.Address), "0x")
	if !common.IsHexAddress(hexAddr) {
		return Address{}, nil, fmt.Errorf("crypto: keystore %s has no valid address", path)
	}
	return NewAddress(TFPrefix, common.HexToAddress(hexAddr).Bytes()), keyJSON, nil
}
