/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package natsutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/carverauto/blueberry/pkg/models"
)

// ErrNotUserNKey is returned when a seed file holds an operator, account or server key.
var ErrNotUserNKey = errors.New("nkey seed is not a user key")

// LoadUserNKey reads the user seed named by sec.NKeySeedFile.
func LoadUserNKey(sec *models.SecurityConfig) (nkeys.KeyPair, error) {
	path := sec.NKeySeedFile
	if !filepath.IsAbs(path) && sec.CertDir != "" {
		path = filepath.Join(sec.CertDir, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read nkey seed: %w", err)
	}

	kp, err := nkeys.FromSeed(bytes.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nkey seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive nkey public key: %w", err)
	}

	if !nkeys.IsValidPublicUserKey(pub) {
		kp.Wipe()

		return nil, ErrNotUserNKey
	}

	return kp, nil
}

// NKeyOption answers the server's nonce challenge with kp.
func NKeyOption(kp nkeys.KeyPair) (nats.Option, error) {
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive nkey public key: %w", err)
	}

	return nats.Nkey(pub, kp.Sign), nil
}
