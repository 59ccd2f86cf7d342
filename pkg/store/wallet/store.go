/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet persists the holder's credential set.
package wallet

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	spi "github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/pkg/errors"
)

// Namespace is the name of the underlying wallet store.
const Namespace = "wallet"

const tagCredential = "credential"

var logger = log.New("agent-go/wallet")

// ErrNotFound is returned when a credential does not exist in the wallet.
var ErrNotFound = errors.New("credential not found")

// Store holds the credentials a holder can present.
type Store struct {
	store spi.Store
}

// New opens the wallet on the given storage provider.
func New(provider spi.Provider) (*Store, error) {
	store, err := provider.OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}

	err = provider.SetStoreConfig(Namespace, spi.StoreConfiguration{TagNames: []string{tagCredential}})
	if err != nil {
		return nil, fmt.Errorf("set wallet store config: %w", err)
	}

	return &Store{store: store}, nil
}

// Put stores a credential, keyed by its id when it has one.
func (s *Store) Put(cred map[string]interface{}) (string, error) {
	key, _ := cred["id"].(string)
	if key == "" {
		key = "urn:uuid:" + uuid.New().String()
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}

	if err := s.store.Put(key, raw, spi.Tag{Name: tagCredential}); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}

	logger.Debugf("stored credential %s", key)

	return key, nil
}

// Get returns the credential stored under the given id.
func (s *Store) Get(id string) (map[string]interface{}, error) {
	raw, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, spi.ErrDataNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("get credential: %w", err)
	}

	var cred map[string]interface{}

	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}

	return cred, nil
}

// Delete removes the credential stored under the given id.
func (s *Store) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	return nil
}

// Credentials returns every credential in the wallet.
func (s *Store) Credentials() ([]map[string]interface{}, error) {
	it, err := s.store.Query(tagCredential)
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}

	defer spi.Close(it, logger)

	var creds []map[string]interface{}

	for {
		more, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("query wallet: %w", err)
		}

		if !more {
			break
		}

		raw, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("query wallet: %w", err)
		}

		var cred map[string]interface{}

		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, fmt.Errorf("unmarshal credential: %w", err)
		}

		creds = append(creds, cred)
	}

	return creds, nil
}
