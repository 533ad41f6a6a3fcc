//go:build !debug
// +build !debug

package tag

// Debug gates extra runtime checks that are too expensive for release builds.
const Debug = false
