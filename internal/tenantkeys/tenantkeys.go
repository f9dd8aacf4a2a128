// Package tenantkeys builds and validates the tenant-prefixed key shapes
// that every external datum (cache entry, session record, rate bucket,
// memory record) is addressed under (spec §4.7). It is the Go expression
// of original_source/app/utils/redis_keys.py, generalized from
// tenant_id-only prefixing to the tenant+user two-level scheme spec.md
// specifies.
package tenantkeys

import (
	"strings"

	"github.com/google/uuid"
)

// Cache builds tenant:{tid}:cache:{resourceType}:{resourceID}.
func Cache(tenantID uuid.UUID, resourceType, resourceID string) string {
	return Prefix(tenantID, "cache:"+resourceType+":"+resourceID)
}

// Session builds tenant:{tid}:user:{uid}:session:{sessionID}.
func Session(tenantID, userID uuid.UUID, sessionID string) string {
	return PrefixUser(tenantID, userID, "session:"+sessionID)
}

// RateLimit builds tenant:{tid}:rate_limit:{identifier}.
func RateLimit(tenantID uuid.UUID, identifier string) string {
	return Prefix(tenantID, "rate_limit:"+identifier)
}

// Memory builds tenant:{tid}:user:{uid}:memory:{memoryID} (or, with an
// empty memoryID, the bare tenant:{tid}:user:{uid}:memory key with no
// trailing colon).
func Memory(tenantID, userID uuid.UUID, memoryID string) string {
	if memoryID == "" {
		return PrefixUser(tenantID, userID, "memory")
	}
	return PrefixUser(tenantID, userID, "memory:"+memoryID)
}

// MemoryScanPattern returns the glob pattern matching every memory key
// for (tenant, user), for use with the key-value store's non-blocking
// pattern scan.
func MemoryScanPattern(tenantID, userID uuid.UUID) string {
	return Memory(tenantID, userID, "") + ":*"
}

// WriteQueueKey builds tenant:{tid}:mem0_write_queue.
func WriteQueueKey(tenantID uuid.UUID) string {
	return Prefix(tenantID, "mem0_write_queue")
}

// UserRecognitionKey builds tenant:{tid}:user:{uid}:user_recognition:memory:{uid}.
func UserRecognitionKey(tenantID, userID uuid.UUID) string {
	return PrefixUser(tenantID, userID, "user_recognition:memory:"+userID.String())
}

// ObjectBucket builds the object-store bucket name tenant-{tid}.
func ObjectBucket(tenantID uuid.UUID) string {
	return "tenant-" + tenantID.String()
}

// VectorIndexName builds the vector index name tenant_{tid}.
func VectorIndexName(tenantID uuid.UUID) string {
	return "tenant_" + tenantID.String()
}

// TextIndexName builds the text index name tenant-{tid}.
func TextIndexName(tenantID uuid.UUID) string {
	return "tenant-" + tenantID.String()
}

// Prefix builds tenant:{tid}:{key}, passing through keys that are
// already correctly prefixed.
func Prefix(tenantID uuid.UUID, key string) string {
	want := "tenant:" + tenantID.String() + ":"
	if strings.HasPrefix(key, want) {
		return key
	}
	return want + key
}

// PrefixUser builds tenant:{tid}:user:{uid}:{key}, passing through keys
// that are already correctly prefixed.
func PrefixUser(tenantID, userID uuid.UUID, key string) string {
	want := "tenant:" + tenantID.String() + ":user:" + userID.String() + ":"
	if strings.HasPrefix(key, want) {
		return key
	}
	return want + key
}

// ExtractTenant parses the tenant id out of a prefixed key, returning
// uuid.Nil if the key is not tenant-prefixed or the segment is not a
// valid UUID.
func ExtractTenant(key string) uuid.UUID {
	if !strings.HasPrefix(key, "tenant:") {
		return uuid.Nil
	}
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return uuid.Nil
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Validate confirms key's tenant segment equals expectedTenantID. It
// implements invariant I2 / testable property P2: every external-store
// read validates the key's prefix before the caller accepts the result.
func Validate(key string, expectedTenantID uuid.UUID) error {
	got := ExtractTenant(key)
	if got == uuid.Nil {
		return &IsolationViolation{Key: key, Expected: expectedTenantID}
	}
	if got != expectedTenantID {
		return &IsolationViolation{Key: key, Expected: expectedTenantID, Actual: got}
	}
	return nil
}

// IsolationViolation is returned by Validate; callers translate it into
// an apierrors.TenantIsolation at the boundary that has a request id.
type IsolationViolation struct {
	Key      string
	Expected uuid.UUID
	Actual   uuid.UUID
}

func (e *IsolationViolation) Error() string {
	if e.Actual == uuid.Nil {
		return "key '" + e.Key + "' does not have a tenant prefix"
	}
	return "tenant isolation violation: key '" + e.Key + "' belongs to tenant " + e.Actual.String() + " but context tenant is " + e.Expected.String()
}
