package bosskey

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// RetryDelay is how long after showing the windows sessions that started
// late are unmuted again.
const RetryDelay = 500 * time.Millisecond

// Windows hides and shows the browser's top-level windows.
type Windows interface {
	// Hide hides the visible browser windows and returns them in order.
	Hide() []uintptr
	// Show brings back windows previously hidden.
	Show(hwnds []uintptr)
}

// Session is one audio session of a browser process. It is only valid
// inside the Visit callback that produced it.
type Session interface {
	ID() string
	Muted() (bool, error)
	SetMute(mute bool) error
}

// Audio walks the audio sessions that belong to pids and reports how many
// it visited.
type Audio interface {
	Visit(pids []uint32, fn func(Session)) (int, error)
}

// PIDSource lists the processes sharing the browser executable.
type PIDSource interface {
	PIDs() []uint32
}

// Toggler flips between hidden and shown. Window changes are synchronous;
// audio changes run in the background.
type Toggler struct {
	windows Windows
	audio   Audio
	pids    PIDSource
	log     zerolog.Logger
	after   func(time.Duration, func()) *time.Timer

	hidden atomic.Bool
	hwnds  []uintptr

	mu         sync.Mutex
	saved      map[string]bool
	hadUnmuted bool

	timerMu sync.Mutex
	retry   *time.Timer

	// audio jobs run one at a time in submission order
	seqMu sync.Mutex
	last  chan struct{}
	wg    conc.WaitGroup
}

func NewToggler(w Windows, a Audio, p PIDSource, log zerolog.Logger) *Toggler {
	return &Toggler{
		windows: w,
		audio:   a,
		pids:    p,
		log:     log,
		after:   time.AfterFunc,
		saved:   make(map[string]bool),
	}
}

// Hidden reports the current mode.
func (t *Toggler) Hidden() bool { return t.hidden.Load() }

// Toggle hides or shows. It is called from the hotkey thread only.
func (t *Toggler) Toggle() {
	pids := t.pids.PIDs()
	if !t.hidden.Load() {
		t.stopRetry()
		t.hwnds = t.windows.Hide()
		t.hidden.Store(true)
		t.async(func() {
			t.resetSaved()
			t.apply(pids, true, true)
		})
		return
	}

	t.hidden.Store(false)
	t.windows.Show(t.hwnds)
	t.hwnds = nil
	t.async(func() {
		found := t.apply(pids, false, false)
		t.mu.Lock()
		retry := found && t.hadUnmuted
		t.mu.Unlock()
		if !retry {
			t.resetSaved()
			return
		}
		t.timerMu.Lock()
		t.retry = t.after(RetryDelay, t.retryUnmute)
		t.timerMu.Unlock()
	})
}

// Wait blocks until background audio work has finished.
func (t *Toggler) Wait() { t.wg.Wait() }

func (t *Toggler) retryUnmute() {
	t.timerMu.Lock()
	t.retry = nil
	t.timerMu.Unlock()
	if t.hidden.Load() {
		return
	}
	t.async(func() {
		t.apply(t.pids.PIDs(), false, false)
		t.resetSaved()
	})
}

func (t *Toggler) stopRetry() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *Toggler) resetSaved() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saved = make(map[string]bool)
	t.hadUnmuted = false
}

func (t *Toggler) async(f func()) {
	t.seqMu.Lock()
	prev := t.last
	done := make(chan struct{})
	t.last = done
	t.seqMu.Unlock()

	t.wg.Go(func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if r := panics.Try(f); r != nil {
			t.log.Error().Err(r.AsError()).Msg("bosskey audio")
		}
	})
}

// apply mutes every session, or restores each one to the state saved when
// it was muted. Sessions that were not saved are unmuted if any saved
// session was playing. It reports whether any session was found.
func (t *Toggler) apply(pids []uint32, mute, save bool) bool {
	n, err := t.audio.Visit(pids, func(s Session) { t.applyOne(s, mute, save) })
	if err != nil {
		t.log.Debug().Err(err).Msg("audio sessions")
	}
	return n > 0
}

func (t *Toggler) applyOne(s Session, mute, save bool) {
	id := s.ID()
	if save {
		muted, err := s.Muted()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.saved[id] = muted
		if !muted {
			t.hadUnmuted = true
		}
		t.mu.Unlock()
	}
	if mute {
		if err := s.SetMute(true); err != nil {
			t.log.Debug().Err(err).Str("session", id).Msg("mute")
		}
		return
	}
	t.mu.Lock()
	prev, ok := t.saved[id]
	unmute := t.hadUnmuted
	t.mu.Unlock()
	switch {
	case ok:
		_ = s.SetMute(prev)
	case unmute:
		_ = s.SetMute(false)
	}
}
