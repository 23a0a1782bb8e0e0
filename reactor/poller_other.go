//go:build !linux

package reactor

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

type poller struct {
	closed atomic.Bool
}

func newPoller(*logiface.Logger[logiface.Event]) (*poller, error) {
	return nil, ErrUnsupportedPlatform
}

func (*poller) update(*Socket, Events, Events) error { return ErrUnsupportedPlatform }

func (*poller) remove(*Socket) {}

func (*poller) close() error { return nil }

func openDescriptor(int, int, int) (int, error) { return -1, ErrUnsupportedPlatform }

func closeDescriptor(int) error { return ErrUnsupportedPlatform }

func setNonblock(int) error { return ErrUnsupportedPlatform }
