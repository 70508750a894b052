package server

// ChanSvc runs queued functions one at a time on its own goroutine.
type ChanSvc chan func()

// Svc queues code on s, blocking while s is full. Calls from one goroutine
// run in the order they were queued.
func Svc(s ChanSvc, code func()) {
	s <- code
}

// RunSvc starts serving s. Close the channel to stop it.
func RunSvc(s ChanSvc) {
	go func() {
		for cmd := range s {
			cmd()
		}
	}()
}
