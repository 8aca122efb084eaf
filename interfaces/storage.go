package interfaces

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ShareKind distinguishes the two generations a node holds per handoff.
type ShareKind int

const (
	// DealtShare is the material a node dealt and serves fragments from.
	DealtShare ShareKind = iota
	// LiveShare is the reconstructed, checksum-verified share.
	LiveShare
)

// String returns kind name.
func (k ShareKind) String() string {
	switch k {
	case DealtShare:
		return "dealt"
	case LiveShare:
		return "live"
	default:
		return "unknown"
	}
}

// ParseShareKind is the inverse of ShareKind.String.
func ParseShareKind(s string) (ShareKind, error) {
	switch s {
	case "dealt":
		return DealtShare, nil
	case "live":
		return LiveShare, nil
	default:
		return 0, fmt.Errorf("unknown share kind %q", s)
	}
}

// ShareKey addresses one persisted generation.
type ShareKey struct {
	ID   HandoffID
	Kind ShareKind
}

// Path returns the slash-separated form used as a key by backends.
func (k ShareKey) Path() string {
	return fmt.Sprintf("%s/%d/%020d/%s", k.ID.Runtime, k.ID.Scheme, k.ID.Epoch, k.Kind)
}

// ParseShareKey is the inverse of ShareKey.Path.
func ParseShareKey(path string) (ShareKey, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 {
		return ShareKey{}, fmt.Errorf("invalid share key %q", path)
	}

	runtime, err := NewRuntimeIDFromHex(parts[0])
	if err != nil {
		return ShareKey{}, fmt.Errorf("invalid share key %q: %w", path, err)
	}
	scheme, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return ShareKey{}, fmt.Errorf("invalid share key %q: %w", path, err)
	}
	epoch, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return ShareKey{}, fmt.Errorf("invalid share key %q: %w", path, err)
	}
	kind, err := ParseShareKind(parts[3])
	if err != nil {
		return ShareKey{}, err
	}

	return ShareKey{
		ID:   HandoffID{Runtime: runtime, Scheme: uint8(scheme), Epoch: EpochTime(epoch)},
		Kind: kind,
	}, nil
}

// ShareBackend persists sealed share generations. Erase must overwrite the
// stored bytes before releasing them where the engine allows it.
type ShareBackend interface {
	// Save stores sealed data under key, replacing any previous value.
	Save(ctx context.Context, key ShareKey, sealed []byte) error

	// Load retrieves sealed data. Returns ErrShareNotFound if missing.
	Load(ctx context.Context, key ShareKey) ([]byte, error)

	// Erase destroys the stored generation. Erasing a missing key is not an error.
	Erase(ctx context.Context, key ShareKey) error

	// List returns all stored keys.
	List(ctx context.Context) ([]ShareKey, error)

	// Name returns identifier for logging.
	Name() string
}

// MatrixArchive provides checksum-addressed storage for published
// verification matrices.
type MatrixArchive interface {
	// Fetch retrieves a matrix by checksum.
	Fetch(ctx context.Context, checksum Checksum) (VerificationMatrix, error)

	// Store saves a matrix and returns its checksum.
	Store(ctx context.Context, matrix VerificationMatrix) (Checksum, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "ipfs", "vault", "pebble":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme: %s", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
