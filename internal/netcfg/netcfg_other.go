//go:build !linux && !windows

package netcfg

import "context"

type unsupported struct{}

// New returns the configurator for this platform.
func New() Configurator { return unsupported{} }

func (unsupported) Apply(context.Context, Plan) error  { return ErrUnsupported }
func (unsupported) Revert(context.Context, Plan) error { return ErrUnsupported }
