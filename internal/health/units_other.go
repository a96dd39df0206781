//go:build !linux

package health

import "context"

func NewSystemdProber(context.Context) (UnitProber, error) { return nil, ErrUnsupported }
