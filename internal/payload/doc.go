// Package payload provides the raw entity representation shared by the
// stores, adapters, and the mapping layer.
//
// This package imports nothing internal. Everything that touches JSON
// payloads (key normalization, value sniffing, canonical encoding for
// snapshot hashes) lives here so that every layer agrees on it.
//
// Key design constraints:
//   - Payloads are plain decoded JSON (map[string]any), never typed structs
//   - Keys are compared through KeyString, so 10 and 10.0 are the same key
//   - Snapshot hashes use canonical JSON, never json.Marshal output
package payload
