// The meeting package provides a rendezvous point between a request
// that waits for some out-of-band action and the request that
// performs it, as used by the visit/wait login flow.
package meeting

import (
	"sync"

	"github.com/google/uuid"
	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"
)

var logger = loggo.GetLogger("jujugui.internal.meeting")

type rendezvous struct {
	data0 []byte
	data1 []byte
	done  chan struct{}
}

// Place holds a set of outstanding rendezvous.
type Place struct {
	mu    sync.Mutex
	items map[string]*rendezvous
}

// New returns a new Place.
func New() *Place {
	return &Place{
		items: make(map[string]*rendezvous),
	}
}

// NewRendezvous creates a new rendezvous holding the given data and
// returns its id.
func (p *Place) NewRendezvous(data []byte) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errgo.Notef(err, "cannot make rendezvous id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[id.String()] = &rendezvous{
		data0: data,
		done:  make(chan struct{}),
	}
	logger.Tracef("new rendezvous %s", id)
	return id.String(), nil
}

// Done completes the rendezvous with the given id, storing data
// to be returned from Wait.
func (p *Place) Done(id string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.items[id]
	if r == nil {
		return errgo.Newf("rendezvous %q not found", id)
	}
	select {
	case <-r.done:
		return errgo.Newf("rendezvous %q done twice", id)
	default:
	}
	r.data1 = data
	close(r.done)
	return nil
}

// Wait waits for the rendezvous with the given id to be completed and
// returns the data given to NewRendezvous and Done. The rendezvous is
// removed once Wait returns.
func (p *Place) Wait(id string) (data0, data1 []byte, err error) {
	p.mu.Lock()
	r := p.items[id]
	p.mu.Unlock()
	if r == nil {
		return nil, nil, errgo.Newf("rendezvous %q not found", id)
	}
	<-r.done
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
	return r.data0, r.data1, nil
}

// WaitChan returns a channel that is closed when the rendezvous with
// the given id has been completed, or nil if there is no such
// rendezvous.
func (p *Place) WaitChan(id string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.items[id]; r != nil {
		return r.done
	}
	return nil
}
