// Package signer computes the HMAC signature the delivery engine attaches
// to outbound content POSTs (spec §4.4, §6).
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// newHash returns a constructor for the named digest, matching the set
// Topic.ContentHashAlgorithm and Subscription.SignatureAlgorithm allow.
func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("signer: unsupported algorithm %q", algorithm)
	}
}

// Sign computes the hex-encoded HMAC of payload under secret using the
// named digest, returning the value to put after "alg=" in
// X-Hub-Signature.
func Sign(algorithm string, secret, payload []byte) (string, error) {
	newH, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newH, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Header formats the full X-Hub-Signature header value: "<alg>=<hex>".
func Header(algorithm string, secret, payload []byte) (string, error) {
	sig, err := Sign(algorithm, secret, payload)
	if err != nil {
		return "", err
	}
	return algorithm + "=" + sig, nil
}

// Hash computes a plain (non-HMAC) content hash for change detection
// (Topic.ContentHash), using the same supported digest set.
func Hash(algorithm string, content []byte) (string, error) {
	newH, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h := newH()
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}
