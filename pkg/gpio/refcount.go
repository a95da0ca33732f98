package gpio

import (
	"sync"

	"github.com/pkg/errors"
)

// sharedResource is the process-wide memory mapping behind every register
// driver handle: the first acquire maps it, the last release unmaps it.
type sharedResource struct {
	lock  sync.Mutex
	count int

	open  func() error
	close func() error
}

func (s *sharedResource) acquire() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.count == 0 {
		if err := s.open(); err != nil {
			return err
		}
	}
	s.count++
	return nil
}

func (s *sharedResource) release() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.count == 0 {
		return errors.New("release of unacquired GPIO mapping")
	}
	s.count--
	if s.count == 0 {
		return s.close()
	}
	return nil
}

func (s *sharedResource) refs() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.count
}
