/*
Copyright SecureKey Technologies Inc. All Rights Reserved.
SPDX-License-Identifier: Apache-2.0
*/

// Package didresolver declares the DID-resolution collaborator boundary.
// Resolution itself happens outside this module.
package didresolver

import "errors"

// ErrNotFound is returned when a DID resolver does not find the DID.
var ErrNotFound = errors.New("DID not found")

// Resolver maps a DID to its document.
// See the DID resolution spec: https://w3c-ccg.github.io/did-resolution.
type Resolver interface {
	// Resolve implements the 'DID Resolution' algorithm defined in
	// https://w3c-ccg.github.io/did-resolution/#resolving.
	Resolve(did string) ([]byte, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(did string) ([]byte, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(did string) ([]byte, error) {
	return f(did)
}
