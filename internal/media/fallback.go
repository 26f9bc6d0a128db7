//go:build !mediadevices

package media

// NewDefaultAcquirer returns the acquirer this build ships with. Without the
// mediadevices build tag there is no capture hardware support, so calls carry
// the synthetic diagnostic stream.
func NewDefaultAcquirer() Acquirer {
	return NewSyntheticAcquirer()
}
