package switcher

// streak counts consecutive samples with the same health verdict. A link is
// stably healthy or stably unhealthy once the streak reaches the window, so a
// link flapping every cycle is neither.
type streak struct {
	healthy bool
	count   int
}

func (s *streak) observe(healthy bool) {
	if s.count > 0 && s.healthy == healthy {
		s.count++
		return
	}
	s.healthy = healthy
	s.count = 1
}

func (s streak) stablyHealthy(window int) bool {
	return s.healthy && s.count >= window
}

func (s streak) stablyUnhealthy(window int) bool {
	return !s.healthy && s.count >= window
}
