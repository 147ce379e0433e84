//go:build !windows

package session

import (
	"context"
	"errors"
)

func discoverLocal(_ context.Context) (Discovered, error) {
	return Discovered{}, errors.New("site discovery needs Windows; set the site code and provider host explicitly")
}
