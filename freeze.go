package greenhook

// Freezer pauses the other threads of the process while prologues are
// rewritten.
type Freezer interface {
	Freeze() (Frozen, error)
}

// Frozen is a set of paused threads.
type Frozen interface {
	// Relocate moves the instruction pointer of every paused thread for
	// which fix reports a new address.
	Relocate(fix func(ip uintptr) (uintptr, bool)) error
	// Thaw resumes the threads.
	Thaw() error
}

type noFreeze struct{}

func (noFreeze) Freeze() (Frozen, error) { return noFreeze{}, nil }

func (noFreeze) Relocate(func(uintptr) (uintptr, bool)) error { return nil }

func (noFreeze) Thaw() error { return nil }
