package domain

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// ObjectId is a 12-byte generated identifier: 4 bytes of big-endian Unix
// seconds, a 5-byte process/host discriminator fixed for the process
// lifetime, and a 3-byte big-endian counter seeded randomly at process
// start. Uniqueness relies on discriminator distinctness across processes.
type ObjectId [12]byte

var (
	objectIdCounter uint32
	machineAndPid   [5]byte
)

func init() {
	var seed [4]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		panic(fmt.Sprintf("domain: cannot seed ObjectId counter: %v", err))
	}
	objectIdCounter = binary.BigEndian.Uint32(seed[:])

	hostname, err := os.Hostname()
	if err != nil {
		// Fall back to random bytes; still fixed for the process lifetime.
		if _, err := io.ReadFull(rand.Reader, machineAndPid[:3]); err != nil {
			panic(fmt.Sprintf("domain: cannot derive machine id: %v", err))
		}
	} else {
		sum := md5.Sum([]byte(hostname))
		copy(machineAndPid[:3], sum[:3])
	}
	pid := os.Getpid()
	machineAndPid[3] = byte(pid >> 8)
	machineAndPid[4] = byte(pid)
}

// NewObjectId generates a fresh identifier. Safe for concurrent use.
func NewObjectId() ObjectId {
	var id ObjectId
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], machineAndPid[:])
	c := atomic.AddUint32(&objectIdCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// IsZero reports whether the identifier is the all-zero value.
func (id ObjectId) IsZero() bool {
	return id == ObjectId{}
}

// Timestamp returns the creation time embedded in the identifier.
func (id ObjectId) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0)
}

// Hex returns the 24-character hexadecimal form.
func (id ObjectId) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectId) String() string {
	return "ObjectId(" + id.Hex() + ")"
}

// ObjectIdFromHex parses the 24-character hexadecimal form.
func ObjectIdFromHex(s string) (ObjectId, error) {
	var id ObjectId
	if len(s) != 24 {
		return id, fmt.Errorf("domain: invalid ObjectId hex length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("domain: invalid ObjectId hex: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}
