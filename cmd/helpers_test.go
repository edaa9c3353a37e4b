// File: cmd/helpers_test.go
package cmd

import (
	"github.com/spf13/viper"

	"github.com/xkilldash9x/netlogger/internal/config"
)

// newTestViper returns a viper instance carrying only the defaults.
func newTestViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}
