//go:build !linux

package cli

import "flag"

// Other platforms expose a single default controller.
func (c *Config) registerFlagsOsSpecific(_ *flag.FlagSet) {}
