// Package cryptoutil verifies report signatures produced by a KMS key and
// compares content digests in constant time.
package cryptoutil
