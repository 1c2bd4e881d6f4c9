// Package keygen generates the asymmetric keypairs, short IDs, UUIDs and
// passwords the engine provisions. All generation is pure: state lives in
// the documents the callers write, never here.
package keygen
