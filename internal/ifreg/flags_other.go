//go:build !linux

package ifreg

import "github.com/AdguardTeam/golibs/errors"

// errUnsupportedPlatform is returned by every stubFlagBackend method; raw
// PROMISC/ALLMULTI control is Linux-specific.
const errUnsupportedPlatform errors.Error = "ifreg: interface flag control is not supported on this platform"

type stubFlagBackend struct{}

func newFlagBackend() (b flagBackend) { return stubFlagBackend{} }

func (stubFlagBackend) getPromisc(int) (on bool, err error) { return false, errUnsupportedPlatform }

func (stubFlagBackend) setPromisc(int, bool) (err error) { return errUnsupportedPlatform }

func (stubFlagBackend) getAllMulti(int) (on bool, err error) { return false, errUnsupportedPlatform }

func (stubFlagBackend) setAllMulti(int, bool) (err error) { return errUnsupportedPlatform }
