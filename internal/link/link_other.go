//go:build !linux

package link

import (
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// errUnsupportedPlatform is returned by openChannel; raw EtherType-filtered
// sockets are only wired up for Linux.
const errUnsupportedPlatform errors.Error = "link: raw link-layer sockets are not supported on this platform"

func openChannel(*net.Interface) (ch Channel, err error) {
	return nil, errUnsupportedPlatform
}
