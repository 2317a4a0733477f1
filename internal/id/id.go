// Package id implements the platform's typed resource identifiers:
// <prefix>_<ULID>, time-sortable, globally unique, opaque to clients.
package id

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"

	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// Known resource-id prefixes (spec §3).
const (
	PrefixOrg           = "org"
	PrefixApp           = "app"
	PrefixEnv           = "env"
	PrefixRelease       = "rel"
	PrefixDeploy        = "dep"
	PrefixInstance      = "inst"
	PrefixNode          = "node"
	PrefixRoute         = "rt"
	PrefixVolume        = "vol"
	PrefixSnapshot      = "sv"
	PrefixRestoreJob    = "sb"
	PrefixUser          = "usr"
	PrefixSecretBundle  = "sp"
	PrefixMember        = "mem"
	PrefixExecSession   = "xs"
)

// ID is a parsed typed resource identifier.
type ID struct {
	Prefix string
	ULID   ulid.ULID
}

// String renders the canonical "<prefix>_<ULID>" form.
func (i ID) String() string {
	return i.Prefix + "_" + i.ULID.String()
}

// New generates a fresh, time-sortable ID with the given prefix.
func New(prefix string) ID {
	return ID{Prefix: prefix, ULID: ulid.Make()}
}

// NewWithEntropy generates an ID using a caller-supplied entropy source,
// primarily for deterministic tests.
func NewWithEntropy(prefix string, entropy *ulid.MonotonicEntropy) ID {
	u, err := ulid.New(ulid.Now(), entropy)
	if err != nil {
		// crypto/rand-backed fallback; ulid.New only fails on entropy
		// exhaustion, which a crypto/rand.Reader never hits in practice.
		u = ulid.MustNew(ulid.Now(), rand.Reader)
	}
	return ID{Prefix: prefix, ULID: u}
}

// Parse strictly validates s as "<prefix>_<ULID>" and checks the prefix
// matches wantPrefix. Each malformed case surfaces a distinct error kind
// (spec §3).
func Parse(wantPrefix, s string) (ID, error) {
	if s == "" {
		return ID{}, apperrors.New(apperrors.CodeIDEmpty, "id must not be empty", 400)
	}

	sep := strings.IndexByte(s, '_')
	if sep < 0 {
		return ID{}, apperrors.New(apperrors.CodeIDMissingSep, "id is missing the prefix separator", 400)
	}

	prefix, rest := s[:sep], s[sep+1:]
	if prefix != wantPrefix {
		return ID{}, apperrors.New(apperrors.CodeIDWrongPrefix, "id has the wrong resource prefix", 400)
	}

	u, err := ulid.ParseStrict(rest)
	if err != nil {
		return ID{}, apperrors.Wrap(err, apperrors.CodeIDInvalidULID, "id has an invalid ULID suffix", 400)
	}

	return ID{Prefix: prefix, ULID: u}, nil
}

// ParseAny parses s without checking the prefix against a caller-expected
// value; used by generic routing code that dispatches on the prefix.
func ParseAny(s string) (ID, error) {
	if s == "" {
		return ID{}, apperrors.New(apperrors.CodeIDEmpty, "id must not be empty", 400)
	}
	sep := strings.IndexByte(s, '_')
	if sep < 0 {
		return ID{}, apperrors.New(apperrors.CodeIDMissingSep, "id is missing the prefix separator", 400)
	}
	prefix, rest := s[:sep], s[sep+1:]
	u, err := ulid.ParseStrict(rest)
	if err != nil {
		return ID{}, apperrors.Wrap(err, apperrors.CodeIDInvalidULID, "id has an invalid ULID suffix", 400)
	}
	return ID{Prefix: prefix, ULID: u}, nil
}
