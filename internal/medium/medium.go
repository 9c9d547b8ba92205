// Package medium implements the per-server Medium environment (component
// C11): a registry scoped to one server instance instead of live555's
// process-wide global hash table, per the design's "Global Medium
// registry" redesign note, plus the random session-id generation the RTSP
// server uses.
package medium

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

// Environment is the per-server registry that constructors for sources,
// sinks, and subsessions take a reference to, replacing live555's global
// Medium hash table with explicit, per-instance state.
type Environment struct {
	mu      sync.Mutex
	media   map[string]any
	counter uint64

	crc16Table *crc16.Table
	crc8Table  *crc8.Table
}

// NewEnvironment constructs an empty registry.
func NewEnvironment() *Environment {
	return &Environment{
		media:      make(map[string]any),
		crc16Table: crc16.MakeTable(crc16.CCITT_FALSE),
		crc8Table:  crc8.MakeTable(crc8.CRC8),
	}
}

// Register stores m under a generated name and returns it.
func (e *Environment) Register(m any) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	name := fmt.Sprintf("medium_%d", e.counter)
	e.media[name] = m
	return name
}

// Lookup returns the medium registered under name, if any.
func (e *Environment) Lookup(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.media[name]
	return m, ok
}

// Deregister removes name from the registry (Medium::close).
func (e *Environment) Deregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.media, name)
}

// NewSessionID generates a random 32-bit id rendered as 8 hex digits. The
// id carries no checksum, so a corrupted id is only detected by not being
// found in the session table. exists reports whether a candidate id is
// already in use; NewSessionID retries until it finds a free one.
func (e *Environment) NewSessionID(exists func(candidate string) bool) string {
	for {
		var raw [4]byte
		_, _ = rand.Read(raw[:])
		id := binary.BigEndian.Uint32(raw[:])
		candidate := fmt.Sprintf("%08X", id)
		if exists != nil && exists(candidate) {
			continue
		}
		return candidate
	}
}

// ChecksumCRC16 computes the CRC16/CCITT-FALSE checksum of data. Session
// ids and tunnel cookies are not checked with it.
func (e *Environment) ChecksumCRC16(data []byte) uint16 {
	return crc16.Checksum(data, e.crc16Table)
}

// ChecksumCRC8 computes the CRC8 checksum of data. The RTSP-over-HTTP
// tunnel cookie is not checked with it.
func (e *Environment) ChecksumCRC8(data []byte) uint8 {
	return crc8.Checksum(data, e.crc8Table)
}
