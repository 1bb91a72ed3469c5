package system

import (
	"fmt"
	"net"
)

type ListenersOptions struct {
	Address    string
	SystemPort int
}

type Listeners struct {
	systemListener net.Listener
}

// NewListeners binds the system port. A negative port disables it.
func NewListeners(opts *ListenersOptions) (*Listeners, error) {
	var err error
	l := &Listeners{}

	if opts.SystemPort >= 0 {
		l.systemListener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.SystemPort))
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *Listeners) BoundSystemPort() int {
	if l.systemListener == nil {
		return 0
	}
	return l.systemListener.Addr().(*net.TCPAddr).Port
}

func (l *Listeners) Close() error {
	if l.systemListener != nil {
		l.systemListener.Close()
		l.systemListener = nil
	}

	return nil
}
