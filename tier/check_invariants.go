//go:build !debug
// +build !debug

package tier

func (s *Store) checkInvariants() {}
