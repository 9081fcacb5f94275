package worker

import "time"

// SetSupervisorHooks installs callbacks fired when s schedules a restart and
// when a freshly attached worker finishes its handshake.
func SetSupervisorHooks(s *Supervisor, onRestart func(time.Duration), onHandshake func()) {
	s.onRestart = onRestart
	s.onHandshake = onHandshake
}
