package bosskey

import (
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// PIDTTL is how long a PID snapshot is reused.
const PIDTTL = 5 * time.Second

// Proc is the part of a process listing the cache needs.
type Proc struct {
	PID  uint32
	Name string
}

// PIDCache returns the PIDs of every process running the same executable
// as this one, refreshing at most once per PIDTTL.
type PIDCache struct {
	exe  string
	self uint32
	now  func() time.Time
	list func() ([]Proc, error)

	mu      sync.Mutex
	pids    []uint32
	fetched time.Time
}

func NewPIDCache(exePath string, self uint32) *PIDCache {
	return &PIDCache{
		exe:  exePath[strings.LastIndexAny(exePath, `\/`)+1:],
		self: self,
		now:  time.Now,
		list: listProcesses,
	}
}

func (c *PIDCache) PIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.pids != nil && now.Sub(c.fetched) < PIDTTL {
		return c.pids
	}
	procs, err := c.list()
	pids := []uint32{c.self}
	if err == nil {
		for _, p := range procs {
			if p.PID != c.self && strings.EqualFold(p.Name, c.exe) {
				pids = append(pids, p.PID)
			}
		}
	}
	c.pids = pids
	c.fetched = now
	return pids
}

func listProcesses() ([]Proc, error) {
	ps, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		name, err := p.Name()
		if err != nil {
			continue
		}
		out = append(out, Proc{PID: uint32(p.Pid), Name: name})
	}
	return out, nil
}
