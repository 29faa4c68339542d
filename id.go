package findnet

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

// IDBits is the width of every identifier on the network.
const IDBits = 256

// IDLength is the length of the canonical hexadecimal form of an `ID`.
const IDLength = 2 * IDBits / 8

// ID identifies both content and nodes. Its canonical representation is
// lowercase hexadecimal; since it is an array, it can be compared with `==`
// and used as a map key directly.
type ID [IDBits / 8]byte

// ParseID normalises s into an `ID`. Mixed case is accepted but anything
// that is not exactly `IDLength` hexadecimal characters is rejected.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDLength {
		return id, fmt.Errorf("%w: got %d characters", ErrInvalidID, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is a prefix of the canonical form, handy in logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	buf := make([]byte, IDLength)
	hex.Encode(buf, id[:])
	return buf, nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// BucketIndex returns the position of the first bit, scanning from the most
// significant one, where local and peer differ. Identical ids yield `IDBits`.
//
// The index only depends on local XOR peer, so swapping the arguments gives
// the same result; what changes with the local id is which bucket a given
// peer falls into.
func BucketIndex(local, peer ID) int {
	for i := range local {
		if x := local[i] ^ peer[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

// Kind is the role a container plays on the network.
type Kind string

const (
	KindUnknown Kind = ""
	KindFind    Kind = "find"
	KindStorage Kind = "storage"
)

// ParseKind accepts the known kinds in any case. The empty string is
// `KindUnknown`.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindFind, KindStorage, KindUnknown:
		return k, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
