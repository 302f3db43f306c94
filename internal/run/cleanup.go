package run

// CleanupStack is a LIFO list of release actions for resources acquired
// during one orchestration call. Actions are pushed at acquisition time
// and run exactly once, in reverse push order, on every exit path. A
// failing action does not stop the remaining ones; the first failure is
// reported after all of them ran.
type CleanupStack struct {
	actions []func() error
	done    bool
}

func (s *CleanupStack) Push(fn func() error) {
	s.actions = append(s.actions, fn)
}

func (s *CleanupStack) Run() error {
	if s.done {
		return nil
	}
	s.done = true
	var first error
	for i := len(s.actions) - 1; i >= 0; i-- {
		if err := s.actions[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
