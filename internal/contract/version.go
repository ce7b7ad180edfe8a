// Package contract defines the versioned wire contract shared by the
// intervention client and server: canonical header names and the
// compatibility rule for the X-Contract-Version header.
package contract

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the contract version this build speaks. The server echoes
// it in the X-Contract-Version response header on every intervention
// response, success or failure, so clients always learn the server's
// version.
const Version = "1.0.1"

// Canonical header names for the intervention endpoint.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderContractVersion = "X-Contract-Version"
	HeaderLLMProvider     = "X-LLM-Provider"
	HeaderLLMModel        = "X-LLM-Model"
	HeaderLLMAPIKey       = "X-LLM-Api-Key"
)

// ParseMajor extracts the major component from a semver-like version
// string ("1.0.1" → 1). Returns an error for empty or malformed input.
func ParseMajor(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty contract version")
	}
	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(head)
	if err != nil || major < 0 {
		return 0, fmt.Errorf("malformed contract version %q", v)
	}
	return major, nil
}

// Compatible reports whether a client-supplied version is accepted by
// this server. Same major, any minor/patch: "1.0.0" and "1.2.9" are
// accepted against "1.0.1"; "2.0.0" is not.
func Compatible(clientVersion string) bool {
	clientMajor, err := ParseMajor(clientVersion)
	if err != nil {
		return false
	}
	serverMajor, _ := ParseMajor(Version)
	return clientMajor == serverMajor
}
