//go:build !linux

package ehelf

import "errors"

func readExecutableSegments() ([]mapEntry, error) {
	return nil, errors.New("ehelf: segment discovery only implemented for linux (/proc/self/maps)")
}
